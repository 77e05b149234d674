package dbclient

import (
	"context"

	"github.com/maverikod/vvz-code-analyzis-sub003/internal/catalog"
	"github.com/maverikod/vvz-code-analyzis-sub003/internal/driver"
)

// Execute runs a mutation, optionally inside the transaction tx.
func (c *Client) Execute(ctx context.Context, sql string, params []any, tx string) (driver.ExecuteResult, error) {
	var out driver.ExecuteResult
	err := c.call(ctx, driver.OpExecute, driver.ExecuteArgs{SQL: sql, Params: params, Tx: tx}, &out)
	return out, err
}

// Select runs a query and returns typed-ish rows. JSON transport makes all
// numbers float64; use SelectRaw when the original scale matters and decode
// explicitly otherwise.
func (c *Client) Select(ctx context.Context, sql string, params []any) ([]map[string]any, error) {
	var out driver.SelectResult
	if err := c.call(ctx, driver.OpSelect, driver.SelectArgs{SQL: sql, Params: params}, &out); err != nil {
		return nil, err
	}
	return out.Rows, nil
}

// SelectRaw returns rows as column-keyed maps with original numeric scales
// preserved end to end: last_modified stays the Unix float the driver
// stores, with no unit reinterpretation. The file watcher depends on this.
func (c *Client) SelectRaw(ctx context.Context, sql string, params []any) ([]map[string]any, error) {
	var out driver.SelectResult
	if err := c.call(ctx, driver.OpSelectRaw, driver.SelectArgs{SQL: sql, Params: params}, &out); err != nil {
		return nil, err
	}
	return out.Rows, nil
}

// Begin opens the driver's single transaction slot.
func (c *Client) Begin(ctx context.Context) (string, error) {
	var out driver.BeginResult
	if err := c.call(ctx, driver.OpBegin, struct{}{}, &out); err != nil {
		return "", err
	}
	return out.Tx, nil
}

// Commit commits a transaction by id.
func (c *Client) Commit(ctx context.Context, tx string) error {
	return c.call(ctx, driver.OpCommit, driver.TxArgs{Tx: tx}, nil)
}

// Rollback aborts a transaction by id.
func (c *Client) Rollback(ctx context.Context, tx string) error {
	return c.call(ctx, driver.OpRollback, driver.TxArgs{Tx: tx}, nil)
}

// IndexFile asks the driver to recompute all derived state of one file.
func (c *Client) IndexFile(ctx context.Context, path, projectID string) (driver.IndexFileResult, error) {
	var out driver.IndexFileResult
	err := c.call(ctx, driver.OpIndexFile, driver.IndexFileArgs{Path: path, ProjectID: projectID}, &out)
	return out, err
}

// ClearFileData purges every derived row of a file.
func (c *Client) ClearFileData(ctx context.Context, fileID int64) error {
	return c.call(ctx, driver.OpClearFileData, driver.ClearFileDataArgs{FileID: fileID}, nil)
}

// QueryAst evaluates an xpath-like filter over a project's AST trees.
func (c *Client) QueryAst(ctx context.Context, projectID, filter string) (driver.TreeQueryResult, error) {
	var out driver.TreeQueryResult
	err := c.call(ctx, driver.OpQueryAst, driver.TreeQueryArgs{ProjectID: projectID, Filter: filter}, &out)
	return out, err
}

// QueryCst evaluates an xpath-like filter over a project's CST trees.
func (c *Client) QueryCst(ctx context.Context, projectID, filter string) (driver.TreeQueryResult, error) {
	var out driver.TreeQueryResult
	err := c.call(ctx, driver.OpQueryCst, driver.TreeQueryArgs{ProjectID: projectID, Filter: filter}, &out)
	return out, err
}

// TreeEdit is one modification applied by ModifyAst / ModifyCst.
type TreeEdit struct {
	Op    string `json:"op"`
	Value string `json:"value,omitempty"`
}

// ModifyAst applies edits to matching AST nodes.
func (c *Client) ModifyAst(ctx context.Context, projectID, filter string, edits []TreeEdit) (driver.TreeModifyResult, error) {
	return c.modifyTree(ctx, driver.OpModifyAst, projectID, filter, edits)
}

// ModifyCst applies edits to matching CST nodes.
func (c *Client) ModifyCst(ctx context.Context, projectID, filter string, edits []TreeEdit) (driver.TreeModifyResult, error) {
	return c.modifyTree(ctx, driver.OpModifyCst, projectID, filter, edits)
}

func (c *Client) modifyTree(ctx context.Context, op, projectID, filter string, edits []TreeEdit) (driver.TreeModifyResult, error) {
	args := map[string]any{"project_id": projectID, "filter": filter, "edits": edits}
	var out driver.TreeModifyResult
	err := c.call(ctx, op, args, &out)
	return out, err
}

// SyncSchema runs the catalogue sync and returns the applied diff.
func (c *Client) SyncSchema(ctx context.Context) (catalog.Diff, error) {
	var out catalog.Diff
	err := c.call(ctx, driver.OpSyncSchema, struct{}{}, &out)
	return out, err
}

// Repair invokes the explicit operator repair RPC.
func (c *Client) Repair(ctx context.Context) error {
	return c.call(ctx, driver.OpRepair, struct{}{}, nil)
}

// Ping checks driver liveness.
func (c *Client) Ping(ctx context.Context) error {
	var out driver.PingResult
	return c.call(ctx, driver.OpPing, struct{}{}, &out)
}

// Status fetches driver status.
func (c *Client) Status(ctx context.Context) (driver.StatusResult, error) {
	var out driver.StatusResult
	err := c.call(ctx, driver.OpStatus, struct{}{}, &out)
	return out, err
}
