package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	sq "github.com/Masterminds/squirrel"

	"github.com/rendis/flowctl/pkg/schema"
)

// --- Projects ---

func (s *SQLStore) PutProject(ctx context.Context, siteID int64, name string) (*Project, error) {
	_, err := execBuilder(ctx, s.db, s.sb.Insert("projects").
		Columns("site_id", "name", "created_at").
		Values(siteID, name, toMillis(s.now())).
		Suffix("ON CONFLICT (site_id, name) DO NOTHING"))
	if err != nil {
		return nil, fmt.Errorf("put project: %w", err)
	}
	return s.FindProject(ctx, siteID, name)
}

func (s *SQLStore) GetProject(ctx context.Context, id int64) (*Project, error) {
	return s.scanProject(ctx, sq.Eq{"id": id}, id)
}

func (s *SQLStore) FindProject(ctx context.Context, siteID int64, name string) (*Project, error) {
	return s.scanProject(ctx, sq.Eq{"site_id": siteID, "name": name}, name)
}

func (s *SQLStore) scanProject(ctx context.Context, where sq.Eq, key any) (*Project, error) {
	row, err := queryRowBuilder(ctx, s.db, s.sb.Select("id", "site_id", "name", "created_at").
		From("projects").Where(where))
	if err != nil {
		return nil, err
	}
	p := &Project{}
	var created int64
	err = row.Scan(&p.ID, &p.SiteID, &p.Name, &created)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storeNotFound("project", key)
	}
	if err != nil {
		return nil, err
	}
	p.CreatedAt = fromMillis(created)
	return p, nil
}

// --- Workflows ---

// PutWorkflow stores the definition as the next revision of its name.
func (s *SQLStore) PutWorkflow(ctx context.Context, projectID int64, def *schema.WorkflowDefinition) (*Workflow, error) {
	raw, err := json.Marshal(def)
	if err != nil {
		return nil, fmt.Errorf("marshal definition: %w", err)
	}
	wf := &Workflow{ProjectID: projectID, Name: def.Name, Definition: def, CreatedAt: s.now()}

	err = s.withTx(ctx, func(tx *sql.Tx) error {
		row, err := queryRowBuilder(ctx, tx, s.sb.Select("COALESCE(MAX(revision), 0)").
			From("workflows").Where(sq.Eq{"project_id": projectID, "name": def.Name}))
		if err != nil {
			return err
		}
		if err := row.Scan(&wf.Revision); err != nil {
			return fmt.Errorf("read revision: %w", err)
		}
		wf.Revision++

		wf.ID, err = insertReturningID(ctx, tx, s.sb.Insert("workflows").
			Columns("project_id", "name", "revision", "definition", "created_at").
			Values(projectID, def.Name, wf.Revision, string(raw), toMillis(wf.CreatedAt)))
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("put workflow: %w", err)
	}
	return wf, nil
}

func (s *SQLStore) GetWorkflow(ctx context.Context, id int64) (*Workflow, error) {
	return s.scanWorkflow(ctx, s.workflowSelect().Where(sq.Eq{"id": id}), id)
}

// LatestWorkflow returns the highest revision of a workflow name.
func (s *SQLStore) LatestWorkflow(ctx context.Context, projectID int64, name string) (*Workflow, error) {
	return s.scanWorkflow(ctx, s.workflowSelect().
		Where(sq.Eq{"project_id": projectID, "name": name}).
		OrderBy("revision DESC").Limit(1), name)
}

func (s *SQLStore) workflowSelect() sq.SelectBuilder {
	return s.sb.Select("id", "project_id", "name", "revision", "definition", "created_at").From("workflows")
}

func (s *SQLStore) scanWorkflow(ctx context.Context, b sq.SelectBuilder, key any) (*Workflow, error) {
	row, err := queryRowBuilder(ctx, s.db, b)
	if err != nil {
		return nil, err
	}
	wf := &Workflow{}
	var (
		defJSON string
		created int64
	)
	err = row.Scan(&wf.ID, &wf.ProjectID, &wf.Name, &wf.Revision, &defJSON, &created)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storeNotFound("workflow", key)
	}
	if err != nil {
		return nil, err
	}
	wf.Definition = &schema.WorkflowDefinition{}
	if err := json.Unmarshal([]byte(defJSON), wf.Definition); err != nil {
		return nil, fmt.Errorf("unmarshal workflow %d definition: %w", wf.ID, err)
	}
	wf.CreatedAt = fromMillis(created)
	return wf, nil
}

// --- Sessions ---

func (s *SQLStore) FindSession(ctx context.Context, projectID int64, workflowName string, sessionTime time.Time) (*Session, error) {
	row, err := queryRowBuilder(ctx, s.db, s.sb.
		Select("id", "project_id", "workflow_name", "session_time", "created_at").
		From("sessions").
		Where(sq.Eq{"project_id": projectID, "workflow_name": workflowName, "session_time": toMillis(sessionTime)}))
	if err != nil {
		return nil, err
	}
	sess := &Session{}
	var st, created int64
	err = row.Scan(&sess.ID, &sess.ProjectID, &sess.WorkflowName, &st, &created)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storeNotFound("session", fmt.Sprintf("%s@%s", workflowName, sessionTime.Format(time.RFC3339)))
	}
	if err != nil {
		return nil, err
	}
	sess.SessionTime = fromMillis(st)
	sess.CreatedAt = fromMillis(created)
	return sess, nil
}

// sessionID returns the id of the session, creating it when missing.
func (s *SQLStore) sessionID(ctx context.Context, tx *sql.Tx, projectID int64, workflowName string, sessionTime time.Time) (int64, error) {
	if _, err := execBuilder(ctx, tx, s.sb.Insert("sessions").
		Columns("project_id", "workflow_name", "session_time", "created_at").
		Values(projectID, workflowName, toMillis(sessionTime), toMillis(s.now())).
		Suffix("ON CONFLICT (project_id, workflow_name, session_time) DO NOTHING")); err != nil {
		return 0, fmt.Errorf("insert session: %w", err)
	}
	row, err := queryRowBuilder(ctx, tx, s.sb.Select("id").From("sessions").
		Where(sq.Eq{"project_id": projectID, "workflow_name": workflowName, "session_time": toMillis(sessionTime)}))
	if err != nil {
		return 0, err
	}
	var id int64
	if err := row.Scan(&id); err != nil {
		return 0, fmt.Errorf("read session: %w", err)
	}
	return id, nil
}
