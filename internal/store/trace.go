package store

import (
	"database/sql"
	"fmt"

	"classifica/internal/trace"
)

type execer interface {
	Exec(query string, args ...any) (sql.Result, error)
}

func insertTrace(e execer, classificationID string, rec trace.Record) error {
	success := 0
	if rec.Success {
		success = 1
	}
	_, err := e.Exec(
		`INSERT INTO agent_traces
		 (id, classification_id, agent, agent_version, input_json, output_json,
		  latency_ms, tokens_used, success, error, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ID, classificationID, rec.Agent, rec.AgentVersion, rec.InputJSON, rec.OutputJSON,
		rec.LatencyMS, rec.TokensUsed, success, rec.Error, rec.CreatedAt)
	if err != nil {
		return fmt.Errorf("store: insert trace: %w", err)
	}
	for _, c := range rec.Consultations {
		_, err := e.Exec(
			`INSERT INTO agent_consultations
			 (trace_id, query, source, latency_ms, result_count, top_score)
			 VALUES (?, ?, ?, ?, ?, ?)`,
			rec.ID, c.Query, c.Source, c.LatencyMS, c.ResultCount, c.TopScore)
		if err != nil {
			return fmt.Errorf("store: insert consultation: %w", err)
		}
	}
	return nil
}

// SaveAgentTrace persists a single trace record outside a pipeline run.
func (s *KnowledgeStore) SaveAgentTrace(rec trace.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return insertTrace(s.db, rec.ClassificationID, rec)
}

// ListTraces returns the agent traces of one classification in execution
// order, consultations included.
func (s *KnowledgeStore) ListTraces(classificationID string) ([]trace.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(
		`SELECT id, agent, COALESCE(agent_version, ''), input_json, output_json,
		        latency_ms, tokens_used, success, COALESCE(error, ''), created_at
		 FROM agent_traces WHERE classification_id = ? ORDER BY created_at, id`,
		classificationID)
	if err != nil {
		return nil, fmt.Errorf("store: list traces: %w", err)
	}
	defer rows.Close()

	var out []trace.Record
	for rows.Next() {
		rec := trace.Record{ClassificationID: classificationID}
		var success int
		if err := rows.Scan(&rec.ID, &rec.Agent, &rec.AgentVersion, &rec.InputJSON, &rec.OutputJSON,
			&rec.LatencyMS, &rec.TokensUsed, &success, &rec.Error, &rec.CreatedAt); err != nil {
			return nil, fmt.Errorf("store: scan trace: %w", err)
		}
		rec.Success = success == 1
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for i := range out {
		crows, err := s.db.Query(
			`SELECT query, source, latency_ms, result_count, top_score
			 FROM agent_consultations WHERE trace_id = ? ORDER BY id`, out[i].ID)
		if err != nil {
			return nil, fmt.Errorf("store: list consultations: %w", err)
		}
		for crows.Next() {
			var c trace.Consultation
			if err := crows.Scan(&c.Query, &c.Source, &c.LatencyMS,
				&c.ResultCount, &c.TopScore); err != nil {
				crows.Close()
				return nil, fmt.Errorf("store: scan consultation: %w", err)
			}
			out[i].Consultations = append(out[i].Consultations, c)
		}
		if err := crows.Err(); err != nil {
			crows.Close()
			return nil, err
		}
		crows.Close()
	}
	return out, nil
}
