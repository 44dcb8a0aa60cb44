package client

import (
	"context"
	"fmt"

	"github.com/MarcoPoloResearchLab/tidesync/internal/localstore"
	"github.com/MarcoPoloResearchLab/tidesync/internal/schema"
	"github.com/google/uuid"
)

// MetadataTable holds the replica's client id and last acknowledged version.
const MetadataTable = "_tidesync_metadata"

const (
	metadataClientID = "client_id"
	metadataVersion  = "version"
)

type metadata struct{}

func (metadata) setup(ctx context.Context, executor localstore.Executor) error {
	table := schema.QuoteIdentifier(MetadataTable)
	clientID, err := uuid.NewV7()
	if err != nil {
		return err
	}
	_, err = executor.ExecuteBatch(ctx, []localstore.Statement{
		{SQL: fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (key TEXT PRIMARY KEY, value TEXT)`, table)},
		{SQL: fmt.Sprintf(`INSERT OR IGNORE INTO %s (key, value) VALUES (?, ?)`, table), Args: []any{metadataClientID, clientID.String()}},
		{SQL: fmt.Sprintf(`INSERT OR IGNORE INTO %s (key, value) VALUES (?, NULL)`, table), Args: []any{metadataVersion}},
	})
	return err
}

// get returns nil when the key is missing or NULL.
func (metadata) get(ctx context.Context, executor localstore.Executor, key string) (*string, error) {
	rows, err := executor.Execute(ctx,
		fmt.Sprintf(`SELECT value FROM %s WHERE key = ?`, schema.QuoteIdentifier(MetadataTable)), key)
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 || rows[0]["value"] == nil {
		return nil, nil
	}
	var value string
	switch typed := rows[0]["value"].(type) {
	case string:
		value = typed
	case []byte:
		value = string(typed)
	default:
		value = fmt.Sprint(typed)
	}
	return &value, nil
}

func (metadata) set(ctx context.Context, executor localstore.Executor, key, value string) error {
	_, err := executor.Execute(ctx,
		fmt.Sprintf(`INSERT OR REPLACE INTO %s (key, value) VALUES (?, ?)`, schema.QuoteIdentifier(MetadataTable)), key, value)
	return err
}

func sameVersion(left, right *string) bool {
	if left == nil || right == nil {
		return left == nil && right == nil
	}
	return *left == *right
}
