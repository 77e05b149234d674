package driver

import (
	"encoding/binary"
	"encoding/json"
	stderrors "errors"
	"io"

	cerrors "github.com/maverikod/vvz-code-analyzis-sub003/internal/errors"
)

// Operation names of the driver wire protocol.
const (
	OpExecute       = "execute"
	OpSelect        = "select"
	OpSelectRaw     = "select_raw"
	OpBegin         = "begin"
	OpCommit        = "commit"
	OpRollback      = "rollback"
	OpIndexFile     = "index_file"
	OpClearFileData = "clear_file_data"
	OpQueryAst      = "query_ast"
	OpQueryCst      = "query_cst"
	OpModifyAst     = "modify_ast"
	OpModifyCst     = "modify_cst"
	OpSyncSchema    = "sync_schema"
	OpRepair        = "repair"
	OpPing          = "ping"
	OpStatus        = "status"
)

// Request is one framed client request.
type Request struct {
	ID   uint64          `json:"id"`
	Op   string          `json:"op"`
	Args json.RawMessage `json:"args,omitempty"`
}

// Response is one framed server response.
type Response struct {
	ID    uint64          `json:"id"`
	OK    bool            `json:"ok"`
	Value json.RawMessage `json:"value,omitempty"`
	Error *WireError      `json:"error,omitempty"`
}

// WireError is the error shape carried over the socket.
type WireError struct {
	Kind    string            `json:"kind"`
	Message string            `json:"message"`
	Details map[string]string `json:"details,omitempty"`
}

// Err converts a wire error back into a typed error on the client side.
func (w *WireError) Err() error {
	e := cerrors.New(cerrors.Kind(w.Kind), w.Message)
	e.Details = w.Details
	return e
}

// wireError converts a server-side error into its wire shape.
func wireError(err error) *WireError {
	var ce *cerrors.Error
	if stderrors.As(err, &ce) {
		return &WireError{Kind: string(ce.Kind), Message: ce.Message, Details: ce.Details}
	}
	return &WireError{Kind: string(cerrors.KindInternal), Message: err.Error()}
}

// maxFrameSize bounds a single request or response frame (64 MiB).
const maxFrameSize = 64 << 20

// WriteFrame writes one length-prefixed JSON message.
func WriteFrame(w io.Writer, v any) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return cerrors.Wrap(cerrors.KindInternal, err)
	}
	if len(payload) > maxFrameSize {
		return cerrors.Newf(cerrors.KindInternal, "frame too large: %d bytes", len(payload))
	}

	var header [4]byte
	binary.BigEndian.PutUint32(header[:], uint32(len(payload)))
	if _, err := w.Write(header[:]); err != nil {
		return cerrors.Wrap(cerrors.KindIo, err)
	}
	if _, err := w.Write(payload); err != nil {
		return cerrors.Wrap(cerrors.KindIo, err)
	}
	return nil
}

// ReadFrame reads one length-prefixed JSON message into v.
func ReadFrame(r io.Reader, v any) error {
	var header [4]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		if err == io.EOF {
			return err
		}
		return cerrors.Wrap(cerrors.KindIo, err)
	}

	size := binary.BigEndian.Uint32(header[:])
	if size > maxFrameSize {
		return cerrors.Newf(cerrors.KindIo, "frame too large: %d bytes", size)
	}

	payload := make([]byte, size)
	if _, err := io.ReadFull(r, payload); err != nil {
		return cerrors.Wrap(cerrors.KindIo, err)
	}
	if err := json.Unmarshal(payload, v); err != nil {
		return cerrors.Wrap(cerrors.KindIo, err)
	}
	return nil
}

// SocketPath derives the per-database UNIX socket path from the db path.
func SocketPath(dbPath string) string {
	return dbPath + ".sock"
}

// Typed argument and result shapes.

// ExecuteArgs are the arguments of execute.
type ExecuteArgs struct {
	SQL    string `json:"sql"`
	Params []any  `json:"params,omitempty"`
	Tx     string `json:"tx,omitempty"`
}

// ExecuteResult mirrors store.Result.
type ExecuteResult struct {
	RowsAffected int64 `json:"rows_affected"`
	LastInsertID int64 `json:"last_insert_id"`
}

// SelectArgs are the arguments of select and select_raw.
type SelectArgs struct {
	SQL    string `json:"sql"`
	Params []any  `json:"params,omitempty"`
}

// SelectResult carries rows as column-keyed maps with original scales.
type SelectResult struct {
	Rows []map[string]any `json:"rows"`
}

// BeginResult returns the opaque transaction id.
type BeginResult struct {
	Tx string `json:"tx"`
}

// TxArgs name a transaction for commit and rollback.
type TxArgs struct {
	Tx string `json:"tx"`
}

// IndexFileArgs are the arguments of index_file.
type IndexFileArgs struct {
	Path      string `json:"path"`
	ProjectID string `json:"project_id"`
}

// IndexFileResult reports the indexed file.
type IndexFileResult struct {
	FileID  int64 `json:"file_id"`
	Created bool  `json:"created"`
}

// ClearFileDataArgs name the file whose derived rows are purged.
type ClearFileDataArgs struct {
	FileID int64 `json:"file_id"`
}

// TreeQueryArgs address stored trees of one project.
type TreeQueryArgs struct {
	ProjectID string `json:"project_id"`
	Filter    string `json:"filter"`
}

// TreeNodeHit is one matched node.
type TreeNodeHit struct {
	FileID    int64  `json:"file_id"`
	Type      string `json:"type"`
	Name      string `json:"name,omitempty"`
	StartLine int    `json:"start_line"`
	EndLine   int    `json:"end_line"`
}

// TreeQueryResult lists matched nodes.
type TreeQueryResult struct {
	Nodes []TreeNodeHit `json:"nodes"`
}

// TreeModifyArgs apply edits to matched nodes.
type TreeModifyArgs struct {
	ProjectID string        `json:"project_id"`
	Filter    string        `json:"filter"`
	Edits     []treeEditDTO `json:"edits"`
}

type treeEditDTO struct {
	Op    string `json:"op"`
	Value string `json:"value,omitempty"`
}

// TreeModifyResult lists the files whose trees changed.
type TreeModifyResult struct {
	AffectedFileIDs []int64 `json:"affected_file_ids"`
}

// StatusResult reports driver health.
type StatusResult struct {
	Running   bool   `json:"running"`
	PID       int    `json:"pid"`
	Uptime    string `json:"uptime"`
	DBPath    string `json:"db_path"`
	Refusing  bool   `json:"refusing"`
	OpenTx    bool   `json:"open_tx"`
	Journal   bool   `json:"journal"`
	Connected int    `json:"connected"`
}

// PingResult answers ping.
type PingResult struct {
	Pong bool `json:"pong"`
}
