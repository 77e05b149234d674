package driver

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	cerrors "github.com/maverikod/vvz-code-analyzis-sub003/internal/errors"
	"github.com/maverikod/vvz-code-analyzis-sub003/internal/parser"
)

// inlineChunkingLimit is the largest file size for which inline chunk
// extraction applies when the policy flag is on.
const inlineChunkingLimit = 64 * 1024

// indexFile recomputes every derived representation of one file inside a
// single transaction: resolve the file row (insert if new), clear old
// derived rows, repopulate trees/entities/content/FTS (and chunks when
// inline chunking applies), clear needs_chunking, update last_modified.
func (h *Handler) indexFile(args IndexFileArgs) (IndexFileResult, error) {
	var out IndexFileResult

	rootPath, err := h.projectRoot(args.ProjectID)
	if err != nil {
		return out, err
	}

	absPath := filepath.Clean(args.Path)
	rel, err := filepath.Rel(rootPath, absPath)
	if err != nil {
		return out, cerrors.Wrapf(cerrors.KindFs, err, "path %s outside project root %s", absPath, rootPath)
	}
	rel = filepath.ToSlash(rel)

	info, err := os.Stat(absPath)
	if err != nil {
		// The file vanished between queue and index; the watcher will
		// mark it deleted on its next cycle.
		return out, cerrors.Wrapf(cerrors.KindFs, err, "stat %s", absPath)
	}
	mtime := float64(info.ModTime().UnixNano()) / 1e9

	source, err := os.ReadFile(absPath)
	if err != nil {
		return out, cerrors.Wrapf(cerrors.KindFs, err, "read %s", absPath)
	}

	// Parse before touching the database: a failed index_file must leave
	// the stored state unchanged.
	h.parserMu.Lock()
	parsed, parseErr := h.parser.Parse(context.Background(), absPath, source)
	h.parserMu.Unlock()

	if parseErr != nil {
		if cerrors.IsKind(parseErr, cerrors.KindParse) {
			h.recordParseError(args.ProjectID, rel, absPath, mtime, parseErr)
		}
		return out, parseErr
	}

	err = h.store.WithTx(func(txID string) error {
		fileID, created, err := h.resolveFileRow(txID, args.ProjectID, rel, absPath)
		if err != nil {
			return err
		}
		out.FileID = fileID
		out.Created = created

		if err := h.clearDerived(txID, fileID); err != nil {
			return err
		}
		if err := h.insertTrees(txID, fileID, mtime, parsed); err != nil {
			return err
		}
		entityIDs, err := h.insertEntities(txID, fileID, parsed.Entities)
		if err != nil {
			return err
		}
		if err := h.insertContent(txID, fileID, parsed.Content); err != nil {
			return err
		}

		chunkedMtime := any(nil)
		if h.inlineChunking && len(source) <= inlineChunkingLimit {
			if err := h.insertChunks(txID, fileID, parsed.Chunks, entityIDs); err != nil {
				return err
			}
			chunkedMtime = mtime
		}

		_, err = h.execute(
			`UPDATE files SET needs_chunking = 0, deleted = 0, last_modified = ?,
			        path = ?, chunked_mtime = ?, updated_at = ? WHERE id = ?`,
			[]any{mtime, absPath, chunkedMtime, nowUnix(), fileID}, txID)
		return err
	})
	if err != nil {
		return IndexFileResult{}, err
	}

	slog.Debug("indexed file",
		slog.Int64("file_id", out.FileID),
		slog.String("relative_path", rel),
		slog.Bool("created", out.Created))
	return out, nil
}

// projectRoot loads the project's root path.
func (h *Handler) projectRoot(projectID string) (string, error) {
	rows, err := h.store.Select(`SELECT root_path FROM projects WHERE id = ?`, []any{projectID})
	if err != nil {
		return "", err
	}
	if len(rows) == 0 {
		return "", cerrors.Newf(cerrors.KindNotFound, "unknown project %s", projectID)
	}
	root, _ := rows[0]["root_path"].(string)
	return root, nil
}

// resolveFileRow finds or creates the file row keyed (project_id,
// relative_path).
func (h *Handler) resolveFileRow(txID, projectID, rel, absPath string) (int64, bool, error) {
	rows, err := h.store.Select(
		`SELECT id FROM files WHERE project_id = ? AND relative_path = ?`,
		[]any{projectID, rel})
	if err != nil {
		return 0, false, err
	}
	if len(rows) > 0 {
		return rows[0]["id"].(int64), false, nil
	}

	res, err := h.execute(
		`INSERT INTO files (project_id, watch_dir_id, relative_path, path, needs_chunking, deleted, updated_at)
		 SELECT ?, p.watch_dir_id, ?, ?, 1, 0, ? FROM projects p WHERE p.id = ?`,
		[]any{projectID, rel, absPath, nowUnix(), projectID}, txID)
	if err != nil {
		return 0, false, err
	}
	return res.LastInsertID, true, nil
}

// clearDerived removes every derived row of a file. Shared by index_file
// and the clear_file_data op.
func (h *Handler) clearDerived(txID string, fileID int64) error {
	stmts := []string{
		`DELETE FROM ast_trees WHERE file_id = ?`,
		`DELETE FROM cst_trees WHERE file_id = ?`,
		`DELETE FROM entities WHERE file_id = ?`,
		`DELETE FROM code_chunks WHERE file_id = ?`,
		`DELETE FROM code_content WHERE file_id = ?`,
		`DELETE FROM code_content_fts WHERE rowid = ?`,
	}
	for _, stmt := range stmts {
		if _, err := h.execute(stmt, []any{fileID}, txID); err != nil {
			return err
		}
	}
	return nil
}

// clearFileData is the explicit RPC behind invariant P3.
func (h *Handler) clearFileData(fileID int64) error {
	return h.store.WithTx(func(txID string) error {
		return h.clearDerived(txID, fileID)
	})
}

func (h *Handler) insertTrees(txID string, fileID int64, mtime float64, parsed *parser.Result) error {
	astContent, astHash, err := parser.Marshal(parsed.AST)
	if err != nil {
		return err
	}
	cstContent, cstHash, err := parser.Marshal(parsed.CST)
	if err != nil {
		return err
	}

	if _, err := h.execute(
		`INSERT INTO ast_trees (file_id, content, hash, file_mtime) VALUES (?, ?, ?, ?)`,
		[]any{fileID, astContent, astHash, mtime}, txID); err != nil {
		return err
	}
	_, err = h.execute(
		`INSERT INTO cst_trees (file_id, content, hash, file_mtime) VALUES (?, ?, ?, ?)`,
		[]any{fileID, cstContent, cstHash, mtime}, txID)
	return err
}

// insertEntities inserts entities in extraction order and returns their row
// ids so parent references and chunks can point at them.
func (h *Handler) insertEntities(txID string, fileID int64, entities []parser.Entity) ([]int64, error) {
	ids := make([]int64, len(entities))
	for i, ent := range entities {
		var parentID any
		if ent.ParentIndex >= 0 && ent.ParentIndex < i {
			parentID = ids[ent.ParentIndex]
		}
		res, err := h.execute(
			`INSERT INTO entities (file_id, kind, name, qualname, start_line, end_line, docstring, parent_entity_id)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			[]any{fileID, ent.Kind, ent.Name, ent.Qualname, ent.StartLine, ent.EndLine,
				nullIfEmpty(ent.Docstring), parentID}, txID)
		if err != nil {
			return nil, err
		}
		ids[i] = res.LastInsertID
	}
	return ids, nil
}

func (h *Handler) insertContent(txID string, fileID int64, content string) error {
	if _, err := h.execute(
		`INSERT INTO code_content (file_id, content) VALUES (?, ?)`,
		[]any{fileID, content}, txID); err != nil {
		return err
	}
	_, err := h.execute(
		`INSERT INTO code_content_fts (rowid, content) VALUES (?, ?)`,
		[]any{fileID, content}, txID)
	return err
}

func (h *Handler) insertChunks(txID string, fileID int64, chunks []parser.Chunk, entityIDs []int64) error {
	for _, c := range chunks {
		var entityRef any
		if c.EntityIndex >= 0 && c.EntityIndex < len(entityIDs) {
			entityRef = entityIDs[c.EntityIndex]
		}
		if _, err := h.execute(
			`INSERT INTO code_chunks (file_id, entity_ref, source_type, text, dataset_id)
			 VALUES (?, ?, ?, ?, 'default')`,
			[]any{fileID, entityRef, c.SourceType, c.Text}, txID); err != nil {
			return err
		}
	}
	return nil
}

// recordParseError stores the failure and clears needs_chunking in a
// follow-up transaction so the file is not retried every cycle without a
// change. The repopulation itself never started, so stored derived state is
// untouched.
func (h *Handler) recordParseError(projectID, rel, absPath string, mtime float64, parseErr error) {
	err := h.store.WithTx(func(txID string) error {
		fileID, _, err := h.resolveFileRow(txID, projectID, rel, absPath)
		if err != nil {
			return err
		}
		if _, err := h.execute(
			`INSERT INTO indexing_errors (file_id, error, created_at) VALUES (?, ?, ?)`,
			[]any{fileID, parseErr.Error(), nowUnix()}, txID); err != nil {
			return err
		}
		_, err = h.execute(
			`UPDATE files SET needs_chunking = 0, last_modified = ?, updated_at = ? WHERE id = ?`,
			[]any{mtime, nowUnix(), fileID}, txID)
		return err
	})
	if err != nil {
		slog.Warn("failed to record parse error",
			slog.String("path", absPath),
			slog.String("error", err.Error()))
	}
}

func nullIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nowUnix() float64 {
	return float64(time.Now().UnixNano()) / 1e9
}
