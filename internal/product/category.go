package product

import "strings"

// Category is the fixed fiscal grouping set used by aggregation.
type Category string

const (
	CategoryMedicines    Category = "medicines"
	CategoryFoods        Category = "foods"
	CategoryCosmetics    Category = "cosmetics"
	CategoryElectronics  Category = "electronics"
	CategoryTextiles     Category = "textiles"
	CategoryAutomotive   Category = "automotive"
	CategoryPersonalCare Category = "personal_care"
	CategoryOrthopedic   Category = "orthopedic"
	CategoryUtensils     Category = "utensils"
	CategoryOther        Category = "other"
)

type categoryProfile struct {
	name     Category
	chapters map[string]bool // 2-digit NCM chapters
	keywords []string        // ordered, specific before general
}

// categoryOrder fixes classification priority: specific categories are
// consulted before broad ones so "imobilizador" wins over chapter-90
// electronics and "barbear" over generic utensils.
var categoryOrder = []categoryProfile{
	{
		name:     CategoryMedicines,
		chapters: chapterSet("30"),
		keywords: []string{"medicamento", "farmac", "remedio", "antibiotico", "vitamina", "comprimido", "capsula", "pantoprazol", "dipirona", "mg c/"},
	},
	{
		name:     CategoryPersonalCare,
		chapters: chapterSet("82", "96"),
		keywords: []string{"barbear", "barbeador", "navalha", "escova dent", "pente", "higiene"},
	},
	{
		name:     CategoryOrthopedic,
		chapters: chapterSet("90"),
		keywords: []string{"imobilizador", "ortopedic", "munhequeira", "joelheira", "tala", "tornozeleira"},
	},
	{
		name:     CategoryCosmetics,
		chapters: chapterSet("33"),
		keywords: []string{"perfume", "shampoo", "sabonete", "creme", "protetor solar", "maquiagem", "batom", "desodorante"},
	},
	{
		name:     CategoryFoods,
		chapters: chapterSet("04", "15", "16", "17", "18", "19", "20", "21", "22"),
		keywords: []string{"biscoito", "bolacha", "chocolate", "bebida", "leite", "queijo", "sorvete", "refrigerante", "cafe", "acucar"},
	},
	{
		name:     CategoryElectronics,
		chapters: chapterSet("84", "85"),
		keywords: []string{"chip", "sim card", "celular", "telefone", "computador", "eletronic", "cabo usb", "fone", "carregador"},
	},
	{
		name:     CategoryTextiles,
		chapters: chapterSet("50", "51", "52", "53", "54", "55", "56", "57", "58", "59", "60", "61", "62", "63"),
		keywords: []string{"camisa", "calca", "tecido", "algodao", "poliester", "meia", "roupa"},
	},
	{
		name:     CategoryAutomotive,
		chapters: chapterSet("87", "40"),
		keywords: []string{"pneu", "oleo motor", "filtro ar", "peca auto", "automotiv", "parabrisa"},
	},
	{
		name:     CategoryUtensils,
		chapters: chapterSet("39", "70"),
		keywords: []string{"copo", "prato", "talher", "garrafa", "pote plastic", "utensilio", "panela"},
	},
}

type incompatiblePair struct{ a, b Category }

// incompatiblePairs is symmetric by construction of isIncompatible.
var incompatiblePairs = []incompatiblePair{
	{CategoryMedicines, CategoryFoods},
	{CategoryMedicines, CategoryElectronics},
	{CategoryMedicines, CategoryAutomotive},
	{CategoryMedicines, CategoryTextiles},
	{CategoryMedicines, CategoryCosmetics},
	{CategoryMedicines, CategoryOrthopedic},
	{CategoryFoods, CategoryElectronics},
	{CategoryFoods, CategoryAutomotive},
	{CategoryElectronics, CategoryTextiles},
	{CategoryElectronics, CategoryCosmetics},
	{CategoryAutomotive, CategoryCosmetics},
	{CategoryAutomotive, CategoryTextiles},
	{CategoryPersonalCare, CategoryOrthopedic},
	{CategoryUtensils, CategoryPersonalCare},
	{CategoryUtensils, CategoryOrthopedic},
	{CategoryUtensils, CategoryMedicines},
}

// Classify maps a product to its category. The NCM chapter decides when
// available; keyword matching over the normalized description is the
// fallback, walking categories in priority order.
func Classify(description, ncm string) Category {
	if len(ncm) >= 2 {
		chapter := ncm[:2]
		for _, p := range categoryOrder {
			if p.chapters[chapter] {
				return p.name
			}
		}
	}

	normalized := NormalizeDescription(description)
	for _, p := range categoryOrder {
		for _, kw := range p.keywords {
			if strings.Contains(normalized, kw) {
				return p.name
			}
		}
	}
	return CategoryOther
}

// Compatible reports whether two categories may share an aggregation group.
// Same category is always compatible; otherwise only explicitly incompatible
// pairs are rejected.
func Compatible(a, b Category) bool {
	if a == b {
		return true
	}
	return !isIncompatible(a, b)
}

func isIncompatible(a, b Category) bool {
	for _, p := range incompatiblePairs {
		if (p.a == a && p.b == b) || (p.a == b && p.b == a) {
			return true
		}
	}
	return false
}

// HomogeneityReport describes why a group is or is not homogeneous.
type HomogeneityReport struct {
	Homogeneous bool
	Categories  map[Category]int
	Alerts      []string
}

// CheckHomogeneity validates a candidate group: at most two distinct
// categories and every pair compatible.
func CheckHomogeneity(items []Item) HomogeneityReport {
	report := HomogeneityReport{Homogeneous: true, Categories: map[Category]int{}}

	cats := make([]Category, len(items))
	for i, it := range items {
		cats[i] = Classify(it.Description, it.NCM)
		report.Categories[cats[i]]++
	}

	if len(report.Categories) > 2 {
		report.Homogeneous = false
		report.Alerts = append(report.Alerts, "more than two categories in group")
		return report
	}
	for i := 0; i < len(items); i++ {
		for j := i + 1; j < len(items); j++ {
			if !Compatible(cats[i], cats[j]) {
				report.Homogeneous = false
				report.Alerts = append(report.Alerts,
					"incompatible categories: "+string(cats[i])+" vs "+string(cats[j]))
				return report
			}
		}
	}
	return report
}

// SplitByCategory partitions a heterogeneous group into per-category index
// slices, preserving input order.
func SplitByCategory(items []Item) [][]int {
	byCat := make(map[Category][]int)
	var order []Category
	for i, it := range items {
		cat := Classify(it.Description, it.NCM)
		if _, ok := byCat[cat]; !ok {
			order = append(order, cat)
		}
		byCat[cat] = append(byCat[cat], i)
	}
	out := make([][]int, 0, len(order))
	for _, cat := range order {
		out = append(out, byCat[cat])
	}
	return out
}

func chapterSet(chapters ...string) map[string]bool {
	set := make(map[string]bool, len(chapters))
	for _, c := range chapters {
		set[c] = true
	}
	return set
}
