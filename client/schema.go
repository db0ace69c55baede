package client

import (
	"context"
	"strconv"

	"github.com/aep/sdbp/api"
)

func (s *Session) lookupID(ctx context.Context, req *api.Request) (uint64, error) {
	cacheKey := string(req.Op) + strconv.FormatUint(req.DatabaseID, 10) + "/" + req.Name
	if id, ok := s.names.Get(cacheKey); ok {
		return id, nil
	}
	c, err := s.call(ctx, req)
	if err != nil {
		return 0, err
	}
	id := c.Number()
	s.names.Set(cacheKey, id)
	return id, nil
}

func (s *Session) GetQuorumID(ctx context.Context, name string) (uint64, error) {
	return s.lookupID(ctx, &api.Request{Op: api.OpGetQuorumID, Name: name})
}

func (s *Session) GetDatabaseID(ctx context.Context, name string) (uint64, error) {
	return s.lookupID(ctx, &api.Request{Op: api.OpGetDatabaseID, Name: name})
}

// GetTableID resolves name within the current database.
func (s *Session) GetTableID(ctx context.Context, name string) (uint64, error) {
	if s.databaseID == 0 {
		return 0, apiError(api.OpGetTableID, "no database selected")
	}
	return s.lookupID(ctx, &api.Request{Op: api.OpGetTableID, DatabaseID: s.databaseID, Name: name})
}

// UseDatabase selects a database and clears the table selection.
func (s *Session) UseDatabase(ctx context.Context, name string) error {
	id, err := s.GetDatabaseID(ctx, name)
	if err != nil {
		return err
	}
	s.databaseID, s.tableID = id, 0
	return nil
}

func (s *Session) UseTable(ctx context.Context, name string) error {
	id, err := s.GetTableID(ctx, name)
	if err != nil {
		return err
	}
	s.tableID = id
	return nil
}

// UseTableID selects a table by id, skipping name resolution.
func (s *Session) UseTableID(id uint64) {
	s.tableID = id
}

// CreateQuorum creates a quorum replicated on nodes. A quorum without nodes has no primary.
func (s *Session) CreateQuorum(ctx context.Context, name string, nodes ...uint64) (uint64, error) {
	c, err := s.call(ctx, &api.Request{Op: api.OpCreateQuorum, Name: name, Nodes: nodes})
	if err != nil {
		return 0, err
	}
	return c.Number(), nil
}

func (s *Session) CreateDatabase(ctx context.Context, name string) (uint64, error) {
	c, err := s.call(ctx, &api.Request{Op: api.OpCreateDatabase, Name: name})
	if err != nil {
		return 0, err
	}
	return c.Number(), nil
}

// CreateTable creates a table in the current database, stored on quorumID.
func (s *Session) CreateTable(ctx context.Context, quorumID uint64, name string) (uint64, error) {
	if s.databaseID == 0 {
		return 0, apiError(api.OpCreateTable, "no database selected")
	}
	c, err := s.call(ctx, &api.Request{Op: api.OpCreateTable, DatabaseID: s.databaseID, QuorumID: quorumID, Name: name})
	if err != nil {
		return 0, err
	}
	return c.Number(), nil
}

// TruncateTable deletes every key of the current table.
func (s *Session) TruncateTable(ctx context.Context) error {
	if s.tableID == 0 {
		return apiError(api.OpTruncateTable, "no table selected")
	}
	_, err := s.call(ctx, &api.Request{Op: api.OpTruncateTable, TableID: s.tableID})
	return err
}
