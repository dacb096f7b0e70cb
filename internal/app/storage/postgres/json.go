package postgres

import (
	"database/sql"
	"encoding/json"
)

func headersToJSON(h map[string]string) ([]byte, error) {
	return json.Marshal(h)
}

func headersFromJSON(b []byte) (map[string]string, error) {
	var h map[string]string
	if err := json.Unmarshal(b, &h); err != nil {
		return nil, err
	}
	return h, nil
}

func nullJSON(b []byte) sql.NullString {
	if len(b) == 0 {
		return sql.NullString{}
	}
	return sql.NullString{String: string(b), Valid: true}
}
