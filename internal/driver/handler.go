package driver

import (
	"encoding/json"
	"log/slog"
	"strconv"
	"sync"
	"sync/atomic"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/maverikod/vvz-code-analyzis-sub003/internal/catalog"
	cerrors "github.com/maverikod/vvz-code-analyzis-sub003/internal/errors"
	"github.com/maverikod/vvz-code-analyzis-sub003/internal/journal"
	"github.com/maverikod/vvz-code-analyzis-sub003/internal/parser"
	"github.com/maverikod/vvz-code-analyzis-sub003/internal/store"
)

// treeCacheSize bounds the decoded-tree cache for query_ast / query_cst.
const treeCacheSize = 128

// Handler implements the driver operations against the embedded store.
type Handler struct {
	store   *store.Store
	journal *journal.Journal

	// parserMu serialises the tree-sitter parser, which is not
	// goroutine-safe; the writer connection is serial anyway.
	parserMu sync.Mutex
	parser   *parser.Parser

	// refusing latches after a failed integrity check; only repair,
	// ping, and status are served until an explicit repair succeeds.
	refusing atomic.Bool

	// inlineChunking enables inline chunk extraction in index_file for
	// small files.
	inlineChunking bool

	// treeCache caches decoded trees keyed by "<table>:<hash>:<file_id>".
	treeCache *lru.Cache[string, *parser.Node]
}

// NewHandler wires a handler over an open store. jnl may be nil.
func NewHandler(st *store.Store, jnl *journal.Journal, inlineChunking bool) *Handler {
	cache, _ := lru.New[string, *parser.Node](treeCacheSize)
	return &Handler{
		store:          st,
		journal:        jnl,
		parser:         parser.New(),
		inlineChunking: inlineChunking,
		treeCache:      cache,
	}
}

// Startup runs the integrity/recovery routine and schema sync. On a corrupt
// database the handler latches into refusal and the error is returned for
// logging; the server still starts so that the repair RPC is reachable.
func (h *Handler) Startup() error {
	if err := catalog.CheckIntegrity(h.store.DB()); err != nil {
		h.refusing.Store(true)
		return err
	}
	if _, err := catalog.Sync(h.store.DB()); err != nil {
		h.refusing.Store(true)
		return err
	}
	return nil
}

// Refusing reports whether the handler refuses traffic.
func (h *Handler) Refusing() bool {
	return h.refusing.Load()
}

// Close releases handler resources. The store is owned by the caller.
func (h *Handler) Close() {
	h.parserMu.Lock()
	h.parser.Close()
	h.parserMu.Unlock()
	h.journal.Close()
}

// Handle dispatches one request and builds the response.
func (h *Handler) Handle(req Request) Response {
	value, err := h.dispatch(req)
	if err != nil {
		return Response{ID: req.ID, OK: false, Error: wireError(err)}
	}
	return h.respond(req.ID, value)
}

// respond marshals a success value into a response frame.
func (h *Handler) respond(id uint64, value any) Response {
	payload, err := json.Marshal(value)
	if err != nil {
		return Response{ID: id, OK: false, Error: wireError(cerrors.Wrap(cerrors.KindInternal, err))}
	}
	return Response{ID: id, OK: true, Value: payload}
}

func (h *Handler) dispatch(req Request) (any, error) {
	switch req.Op {
	case OpPing:
		return PingResult{Pong: true}, nil
	case OpStatus:
		return h.status(), nil
	case OpRepair:
		return h.repair()
	}

	if h.refusing.Load() {
		return nil, cerrors.New(cerrors.KindCorruptDb,
			"driver is refusing traffic until repair_sqlite_database is run")
	}

	switch req.Op {
	case OpExecute:
		var args ExecuteArgs
		if err := decodeArgs(req.Args, &args); err != nil {
			return nil, err
		}
		res, err := h.execute(args.SQL, args.Params, args.Tx)
		if err != nil {
			return nil, err
		}
		return ExecuteResult{RowsAffected: res.RowsAffected, LastInsertID: res.LastInsertID}, nil

	case OpSelect, OpSelectRaw:
		var args SelectArgs
		if err := decodeArgs(req.Args, &args); err != nil {
			return nil, err
		}
		rows, err := h.store.Select(args.SQL, args.Params)
		if err != nil {
			return nil, err
		}
		return SelectResult{Rows: rows}, nil

	case OpBegin:
		txID, err := h.store.Begin()
		if err != nil {
			return nil, err
		}
		h.journal.Record("BEGIN", nil, true, txID, nil)
		return BeginResult{Tx: txID}, nil

	case OpCommit:
		var args TxArgs
		if err := decodeArgs(req.Args, &args); err != nil {
			return nil, err
		}
		err := h.store.Commit(args.Tx)
		h.journal.Record("COMMIT", nil, err == nil, args.Tx, err)
		return struct{}{}, err

	case OpRollback:
		var args TxArgs
		if err := decodeArgs(req.Args, &args); err != nil {
			return nil, err
		}
		err := h.store.Rollback(args.Tx)
		h.journal.Record("ROLLBACK", nil, err == nil, args.Tx, err)
		return struct{}{}, err

	case OpIndexFile:
		var args IndexFileArgs
		if err := decodeArgs(req.Args, &args); err != nil {
			return nil, err
		}
		return h.indexFile(args)

	case OpClearFileData:
		var args ClearFileDataArgs
		if err := decodeArgs(req.Args, &args); err != nil {
			return nil, err
		}
		return struct{}{}, h.clearFileData(args.FileID)

	case OpQueryAst:
		return h.queryTree(req.Args, "ast_trees")
	case OpQueryCst:
		return h.queryTree(req.Args, "cst_trees")
	case OpModifyAst:
		return h.modifyTree(req.Args, "ast_trees")
	case OpModifyCst:
		return h.modifyTree(req.Args, "cst_trees")

	case OpSyncSchema:
		diff, err := catalog.Sync(h.store.DB())
		if err != nil {
			return nil, err
		}
		return diff, nil

	default:
		return nil, cerrors.Newf(cerrors.KindNotFound, "unknown op %q", req.Op)
	}
}

func decodeArgs(raw json.RawMessage, v any) error {
	if len(raw) == 0 {
		return cerrors.New(cerrors.KindNotFound, "missing args")
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return cerrors.Wrapf(cerrors.KindNotFound, err, "malformed args")
	}
	return nil
}

// execute runs one mutation and journals it.
func (h *Handler) execute(sqlText string, params []any, txID string) (store.Result, error) {
	res, err := h.store.Execute(sqlText, params, txID)
	h.journal.Record(sqlText, params, err == nil, txID, err)
	return res, err
}

// repair runs the explicit operator repair and clears the refusal latch on
// success.
func (h *Handler) repair() (any, error) {
	if err := catalog.Repair(h.store.DB()); err != nil {
		return nil, err
	}
	if _, err := catalog.Sync(h.store.DB()); err != nil {
		return nil, err
	}
	h.refusing.Store(false)
	slog.Info("database repaired, traffic resumed")
	return struct{}{}, nil
}

func (h *Handler) status() StatusResult {
	return StatusResult{
		Running:  true,
		DBPath:   h.store.Path(),
		Refusing: h.refusing.Load(),
		OpenTx:   h.store.InTx(),
		Journal:  h.journal != nil,
	}
}

// queryTree evaluates an xpath-like filter over every stored tree of a
// project.
func (h *Handler) queryTree(raw json.RawMessage, table string) (any, error) {
	var args TreeQueryArgs
	if err := decodeArgs(raw, &args); err != nil {
		return nil, err
	}

	rows, err := h.store.Select(
		`SELECT t.file_id, t.content, t.hash FROM `+table+` t
		 JOIN files f ON f.id = t.file_id
		 WHERE f.project_id = ? AND f.deleted = 0`, []any{args.ProjectID})
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, cerrors.Newf(cerrors.KindNotFound, "no trees for project %s", args.ProjectID)
	}

	var hits []TreeNodeHit
	for _, row := range rows {
		fileID := row["file_id"].(int64)
		root, err := h.decodeTree(table, fileID, row)
		if err != nil {
			return nil, err
		}
		matched, err := parser.Query(root, args.Filter)
		if err != nil {
			return nil, err
		}
		for _, m := range matched {
			hits = append(hits, TreeNodeHit{
				FileID:    fileID,
				Type:      m.Type,
				Name:      parser.NodeName(m),
				StartLine: m.StartLine,
				EndLine:   m.EndLine,
			})
		}
	}
	return TreeQueryResult{Nodes: hits}, nil
}

// modifyTree applies edits to matching trees and rewrites the stored rows.
func (h *Handler) modifyTree(raw json.RawMessage, table string) (any, error) {
	var args TreeModifyArgs
	if err := decodeArgs(raw, &args); err != nil {
		return nil, err
	}
	edits := make([]parser.Edit, len(args.Edits))
	for i, e := range args.Edits {
		edits[i] = parser.Edit{Op: e.Op, Value: e.Value}
	}

	rows, err := h.store.Select(
		`SELECT t.file_id, t.content, t.hash FROM `+table+` t
		 JOIN files f ON f.id = t.file_id
		 WHERE f.project_id = ? AND f.deleted = 0`, []any{args.ProjectID})
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, cerrors.Newf(cerrors.KindNotFound, "no trees for project %s", args.ProjectID)
	}

	var affected []int64
	err = h.store.WithTx(func(txID string) error {
		for _, row := range rows {
			fileID := row["file_id"].(int64)
			root, err := h.decodeTree(table, fileID, row)
			if err != nil {
				return err
			}

			changed, err := parser.Apply(root, args.Filter, edits)
			if cerrors.IsKind(err, cerrors.KindNotFound) {
				continue // this file has no matching nodes
			}
			if err != nil {
				return err
			}
			if changed == 0 {
				continue
			}

			content, hash, err := parser.Marshal(root)
			if err != nil {
				return err
			}
			if _, err := h.execute(
				`UPDATE `+table+` SET content = ?, hash = ? WHERE file_id = ?`,
				[]any{content, hash, fileID}, txID); err != nil {
				return err
			}
			h.treeCache.Remove(treeCacheKey(table, fileID, row["hash"]))
			affected = append(affected, fileID)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if len(affected) == 0 {
		return nil, cerrors.Newf(cerrors.KindNotFound, "filter %q matched no nodes", args.Filter)
	}
	return TreeModifyResult{AffectedFileIDs: affected}, nil
}

// decodeTree returns the decoded tree for a row, through the LRU cache.
func (h *Handler) decodeTree(table string, fileID int64, row map[string]any) (*parser.Node, error) {
	key := treeCacheKey(table, fileID, row["hash"])
	if root, ok := h.treeCache.Get(key); ok {
		return root, nil
	}

	content, _ := row["content"].(string)
	root, err := parser.Unmarshal(content)
	if err != nil {
		return nil, err
	}
	h.treeCache.Add(key, root)
	return root, nil
}

func treeCacheKey(table string, fileID int64, hash any) string {
	hs, _ := hash.(string)
	return table + ":" + hs + ":" + strconv.FormatInt(fileID, 10)
}
