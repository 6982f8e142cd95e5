package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

const nodeColumns = `id, kind, title, description, parent_id, public_guest_access, is_remote, version, created_at, updated_at`

func scanNode(row interface{ Scan(...any) error }) (Node, error) {
	var item Node
	err := row.Scan(
		&item.ID,
		&item.Kind,
		&item.Title,
		&item.Description,
		&item.ParentID,
		&item.PublicGuestAccess,
		&item.IsRemote,
		&item.Version,
		&item.CreatedAt,
		&item.UpdatedAt,
	)
	return item, err
}

func (s *PostgresStore) GetNode(ctx context.Context, nodeID string) (Node, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+nodeColumns+` FROM nodes WHERE id=$1`, nodeID)
	item, err := scanNode(row)
	if err != nil {
		return Node{}, err
	}
	return item, nil
}

// CreateNodeWithOwner inserts the node and its implicit owner assignment
// in one transaction. Every node carries exactly one owner from birth.
func (s *PostgresStore) CreateNodeWithOwner(ctx context.Context, item Node, ownerID, grantedBy string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin create node: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO nodes (id, kind, title, description, parent_id, public_guest_access, is_remote, version)
		VALUES ($1, $2, $3, $4, $5, $6, $7, 1)
	`, item.ID, item.Kind, item.Title, item.Description, item.ParentID, item.PublicGuestAccess, item.IsRemote); err != nil {
		return fmt.Errorf("insert node: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO role_assignments (node_id, subject_id, role, granted_by)
		VALUES ($1, $2, 'owner', $3)
	`, item.ID, ownerID, grantedBy); err != nil {
		return fmt.Errorf("insert owner assignment: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit create node: %w", err)
	}
	return nil
}

func (s *PostgresStore) UpdateNode(ctx context.Context, nodeID, title, description string, publicGuestAccess bool) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE nodes
		SET title=$2, description=$3, public_guest_access=$4, version=version+1, updated_at=NOW()
		WHERE id=$1
	`, nodeID, title, description, publicGuestAccess)
	if err != nil {
		return fmt.Errorf("update node: %w", err)
	}
	affected, _ := result.RowsAffected()
	if affected == 0 {
		return sql.ErrNoRows
	}
	return nil
}

// MoveNode reparents the node and bumps its version in one transaction.
// Cycle and depth validation happen in the caller under the node lock.
func (s *PostgresStore) MoveNode(ctx context.Context, nodeID string, newParentID *string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin move node: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	result, err := tx.ExecContext(ctx, `
		UPDATE nodes SET parent_id=$2, version=version+1, updated_at=NOW() WHERE id=$1
	`, nodeID, newParentID)
	if err != nil {
		return fmt.Errorf("move node: %w", err)
	}
	affected, _ := result.RowsAffected()
	if affected == 0 {
		return sql.ErrNoRows
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit move node: %w", err)
	}
	return nil
}

// DeleteNode removes the node and its remaining assignments and links in
// one transaction. The caller verifies the node is childless and holds
// no assignments beyond the owner.
func (s *PostgresStore) DeleteNode(ctx context.Context, nodeID string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin delete node: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `DELETE FROM role_assignments WHERE node_id=$1`, nodeID); err != nil {
		return fmt.Errorf("delete assignments: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM remote_links WHERE node_id=$1`, nodeID); err != nil {
		return fmt.Errorf("delete remote links: %w", err)
	}
	result, err := tx.ExecContext(ctx, `DELETE FROM nodes WHERE id=$1`, nodeID)
	if err != nil {
		return fmt.Errorf("delete node: %w", err)
	}
	affected, _ := result.RowsAffected()
	if affected == 0 {
		return sql.ErrNoRows
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit delete node: %w", err)
	}
	return nil
}

func (s *PostgresStore) ChildCount(ctx context.Context, nodeID string) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM nodes WHERE parent_id=$1`, nodeID).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count children: %w", err)
	}
	return count, nil
}

// ListAncestors walks the parent chain, root first, excluding the node
// itself. The recursion is bounded in SQL as a backstop against bad data.
func (s *PostgresStore) ListAncestors(ctx context.Context, nodeID string) ([]Node, error) {
	rows, err := s.db.QueryContext(ctx, `
		WITH RECURSIVE chain AS (
			SELECT n.*, 0 AS distance FROM nodes n WHERE n.id = (SELECT parent_id FROM nodes WHERE id=$1)
			UNION ALL
			SELECT n.*, c.distance+1 FROM nodes n
			JOIN chain c ON n.id = c.parent_id
			WHERE c.distance < 64
		)
		SELECT `+nodeColumns+` FROM chain ORDER BY distance DESC
	`, nodeID)
	if err != nil {
		return nil, fmt.Errorf("list ancestors: %w", err)
	}
	defer rows.Close()

	items := make([]Node, 0)
	for rows.Next() {
		item, err := scanNode(rows)
		if err != nil {
			return nil, fmt.Errorf("scan ancestor: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate ancestors: %w", err)
	}
	return items, nil
}

// ListDescendants returns the subtree below the node in depth-first
// title order. Limit and offset make the sequence restartable.
func (s *PostgresStore) ListDescendants(ctx context.Context, nodeID string, limit, offset int) ([]Node, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		WITH RECURSIVE subtree AS (
			SELECT n.*, ARRAY[n.title] AS path FROM nodes n WHERE n.parent_id=$1
			UNION ALL
			SELECT n.*, s.path || n.title FROM nodes n
			JOIN subtree s ON n.parent_id = s.id
			WHERE array_length(s.path, 1) < 64
		)
		SELECT `+nodeColumns+` FROM subtree ORDER BY path LIMIT $2 OFFSET $3
	`, nodeID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("list descendants: %w", err)
	}
	defer rows.Close()

	items := make([]Node, 0)
	for rows.Next() {
		item, err := scanNode(rows)
		if err != nil {
			return nil, fmt.Errorf("scan descendant: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate descendants: %w", err)
	}
	return items, nil
}

func (s *PostgresStore) GetAssignment(ctx context.Context, nodeID, subjectID string) (*RoleAssignment, error) {
	var item RoleAssignment
	err := s.db.QueryRowContext(ctx, `
		SELECT node_id, subject_id, role, granted_by, granted_at
		FROM role_assignments WHERE node_id=$1 AND subject_id=$2
	`, nodeID, subjectID).Scan(&item.NodeID, &item.SubjectID, &item.Role, &item.GrantedBy, &item.GrantedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get assignment: %w", err)
	}
	return &item, nil
}

func (s *PostgresStore) ListAssignments(ctx context.Context, nodeID string) ([]RoleAssignment, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT node_id, subject_id, role, granted_by, granted_at
		FROM role_assignments WHERE node_id=$1
		ORDER BY granted_at
	`, nodeID)
	if err != nil {
		return nil, fmt.Errorf("list assignments: %w", err)
	}
	defer rows.Close()

	items := make([]RoleAssignment, 0)
	for rows.Next() {
		var item RoleAssignment
		if err := rows.Scan(&item.NodeID, &item.SubjectID, &item.Role, &item.GrantedBy, &item.GrantedAt); err != nil {
			return nil, fmt.Errorf("scan assignment: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate assignments: %w", err)
	}
	return items, nil
}

func (s *PostgresStore) CountRole(ctx context.Context, nodeID, role string) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM role_assignments WHERE node_id=$1 AND role=$2
	`, nodeID, role).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count role: %w", err)
	}
	return count, nil
}

// UpsertAssignment replaces any existing direct assignment for the
// subject on the node and bumps the node version, in one transaction.
func (s *PostgresStore) UpsertAssignment(ctx context.Context, item RoleAssignment) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin upsert assignment: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO role_assignments (node_id, subject_id, role, granted_by)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (node_id, subject_id) DO UPDATE SET role=EXCLUDED.role, granted_by=EXCLUDED.granted_by, granted_at=NOW()
	`, item.NodeID, item.SubjectID, item.Role, item.GrantedBy); err != nil {
		return fmt.Errorf("upsert assignment: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `UPDATE nodes SET version=version+1, updated_at=NOW() WHERE id=$1`, item.NodeID); err != nil {
		return fmt.Errorf("bump node version: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit upsert assignment: %w", err)
	}
	return nil
}

func (s *PostgresStore) DeleteAssignment(ctx context.Context, nodeID, subjectID string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin delete assignment: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	result, err := tx.ExecContext(ctx, `
		DELETE FROM role_assignments WHERE node_id=$1 AND subject_id=$2
	`, nodeID, subjectID)
	if err != nil {
		return fmt.Errorf("delete assignment: %w", err)
	}
	affected, _ := result.RowsAffected()
	if affected == 0 {
		return sql.ErrNoRows
	}
	if _, err := tx.ExecContext(ctx, `UPDATE nodes SET version=version+1, updated_at=NOW() WHERE id=$1`, nodeID); err != nil {
		return fmt.Errorf("bump node version: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit delete assignment: %w", err)
	}
	return nil
}

// TransferOwner demotes the current owner and promotes the new one in a
// single transaction so the one-owner invariant holds at every commit
// point.
func (s *PostgresStore) TransferOwner(ctx context.Context, nodeID, newOwnerID, oldOwnerRole, grantedBy string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transfer owner: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var oldOwnerID string
	err = tx.QueryRowContext(ctx, `
		SELECT subject_id FROM role_assignments WHERE node_id=$1 AND role='owner' FOR UPDATE
	`, nodeID).Scan(&oldOwnerID)
	if err != nil {
		return fmt.Errorf("find current owner: %w", err)
	}
	if oldOwnerID == newOwnerID {
		return tx.Commit()
	}

	if oldOwnerRole == "" {
		if _, err := tx.ExecContext(ctx, `
			DELETE FROM role_assignments WHERE node_id=$1 AND subject_id=$2
		`, nodeID, oldOwnerID); err != nil {
			return fmt.Errorf("remove old owner: %w", err)
		}
	} else {
		if _, err := tx.ExecContext(ctx, `
			UPDATE role_assignments SET role=$3, granted_by=$4, granted_at=NOW()
			WHERE node_id=$1 AND subject_id=$2
		`, nodeID, oldOwnerID, oldOwnerRole, grantedBy); err != nil {
			return fmt.Errorf("demote old owner: %w", err)
		}
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO role_assignments (node_id, subject_id, role, granted_by)
		VALUES ($1, $2, 'owner', $3)
		ON CONFLICT (node_id, subject_id) DO UPDATE SET role='owner', granted_by=EXCLUDED.granted_by, granted_at=NOW()
	`, nodeID, newOwnerID, grantedBy); err != nil {
		return fmt.Errorf("promote new owner: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `UPDATE nodes SET version=version+1, updated_at=NOW() WHERE id=$1`, nodeID); err != nil {
		return fmt.Errorf("bump node version: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transfer owner: %w", err)
	}
	return nil
}

func (s *PostgresStore) InsertRemoteSite(ctx context.Context, item RemoteSite) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO remote_sites (id, name, url, secret, secret_hash, mode)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, item.ID, item.Name, item.URL, item.Secret, item.SecretHash, item.Mode)
	if err != nil {
		return fmt.Errorf("insert remote site: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetRemoteSite(ctx context.Context, siteID string) (RemoteSite, error) {
	var item RemoteSite
	err := s.db.QueryRowContext(ctx, `
		SELECT id, name, url, secret, secret_hash, mode, created_at FROM remote_sites WHERE id=$1
	`, siteID).Scan(&item.ID, &item.Name, &item.URL, &item.Secret, &item.SecretHash, &item.Mode, &item.CreatedAt)
	if err != nil {
		return RemoteSite{}, err
	}
	return item, nil
}

func (s *PostgresStore) ListRemoteSites(ctx context.Context) ([]RemoteSite, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, name, url, secret, secret_hash, mode, created_at FROM remote_sites ORDER BY name
	`)
	if err != nil {
		return nil, fmt.Errorf("list remote sites: %w", err)
	}
	defer rows.Close()

	items := make([]RemoteSite, 0)
	for rows.Next() {
		var item RemoteSite
		if err := rows.Scan(&item.ID, &item.Name, &item.URL, &item.Secret, &item.SecretHash, &item.Mode, &item.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan remote site: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate remote sites: %w", err)
	}
	return items, nil
}

func (s *PostgresStore) UpdateRemoteSite(ctx context.Context, siteID, name, url string) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE remote_sites SET name=$2, url=$3 WHERE id=$1
	`, siteID, name, url)
	if err != nil {
		return fmt.Errorf("update remote site: %w", err)
	}
	affected, _ := result.RowsAffected()
	if affected == 0 {
		return sql.ErrNoRows
	}
	return nil
}

func (s *PostgresStore) DeleteRemoteSite(ctx context.Context, siteID string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin delete remote site: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `DELETE FROM remote_links WHERE site_id=$1`, siteID); err != nil {
		return fmt.Errorf("delete site links: %w", err)
	}
	result, err := tx.ExecContext(ctx, `DELETE FROM remote_sites WHERE id=$1`, siteID)
	if err != nil {
		return fmt.Errorf("delete remote site: %w", err)
	}
	affected, _ := result.RowsAffected()
	if affected == 0 {
		return sql.ErrNoRows
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit delete remote site: %w", err)
	}
	return nil
}

func (s *PostgresStore) UpsertRemoteLink(ctx context.Context, item RemoteLink) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO remote_links (node_id, site_id, level, state, last_version)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (node_id, site_id) DO UPDATE SET level=EXCLUDED.level, state=EXCLUDED.state, updated_at=NOW()
	`, item.NodeID, item.SiteID, item.Level, item.State, item.LastVersion)
	if err != nil {
		return fmt.Errorf("upsert remote link: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetRemoteLink(ctx context.Context, nodeID, siteID string) (RemoteLink, error) {
	var item RemoteLink
	err := s.db.QueryRowContext(ctx, `
		SELECT node_id, site_id, level, state, last_version, last_error, attempts, updated_at
		FROM remote_links WHERE node_id=$1 AND site_id=$2
	`, nodeID, siteID).Scan(&item.NodeID, &item.SiteID, &item.Level, &item.State, &item.LastVersion, &item.LastError, &item.Attempts, &item.UpdatedAt)
	if err != nil {
		return RemoteLink{}, err
	}
	return item, nil
}

func (s *PostgresStore) ListRemoteLinks(ctx context.Context, siteID string) ([]RemoteLink, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT node_id, site_id, level, state, last_version, last_error, attempts, updated_at
		FROM remote_links WHERE site_id=$1 ORDER BY node_id
	`, siteID)
	if err != nil {
		return nil, fmt.Errorf("list remote links: %w", err)
	}
	defer rows.Close()

	items := make([]RemoteLink, 0)
	for rows.Next() {
		var item RemoteLink
		if err := rows.Scan(&item.NodeID, &item.SiteID, &item.Level, &item.State, &item.LastVersion, &item.LastError, &item.Attempts, &item.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan remote link: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate remote links: %w", err)
	}
	return items, nil
}

func (s *PostgresStore) SetLinkState(ctx context.Context, nodeID, siteID, state string, lastVersion int64, lastError string, attempts int) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE remote_links SET state=$3, last_version=$4, last_error=$5, attempts=$6, updated_at=NOW()
		WHERE node_id=$1 AND site_id=$2
	`, nodeID, siteID, state, lastVersion, lastError, attempts)
	if err != nil {
		return fmt.Errorf("set link state: %w", err)
	}
	return nil
}

// MarkLinksPending flags every SYNCED link on the node for
// re-reconciliation after a local mutation. FAILED links keep their
// state so operator attention is not silently cleared.
func (s *PostgresStore) MarkLinksPending(ctx context.Context, nodeID string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE remote_links SET state='PENDING', updated_at=NOW()
		WHERE node_id=$1 AND state='SYNCED'
	`, nodeID)
	if err != nil {
		return fmt.Errorf("mark links pending: %w", err)
	}
	return nil
}

// ApplyRemoteNode applies one sync delta on a TARGET site: node upsert,
// role-set replacement when the link level shares roles, link bookkeeping.
// All inside one transaction so a failure leaves the prior state intact.
func (s *PostgresStore) ApplyRemoteNode(ctx context.Context, item Node, roles []RoleAssignment, siteID, level string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin apply remote node: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO nodes (id, kind, title, description, parent_id, public_guest_access, is_remote, version)
		VALUES ($1, $2, $3, $4, $5, $6, TRUE, $7)
		ON CONFLICT (id) DO UPDATE SET
			kind=EXCLUDED.kind, title=EXCLUDED.title, description=EXCLUDED.description,
			parent_id=EXCLUDED.parent_id, public_guest_access=EXCLUDED.public_guest_access,
			is_remote=TRUE, version=EXCLUDED.version, updated_at=NOW()
	`, item.ID, item.Kind, item.Title, item.Description, item.ParentID, item.PublicGuestAccess, item.Version); err != nil {
		return fmt.Errorf("upsert remote node: %w", err)
	}

	if level == LevelReadRoles {
		if _, err := tx.ExecContext(ctx, `DELETE FROM role_assignments WHERE node_id=$1`, item.ID); err != nil {
			return fmt.Errorf("clear remote roles: %w", err)
		}
		for _, role := range roles {
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO role_assignments (node_id, subject_id, role, granted_by)
				VALUES ($1, $2, $3, $4)
			`, item.ID, role.SubjectID, role.Role, role.GrantedBy); err != nil {
				return fmt.Errorf("insert remote role: %w", err)
			}
		}
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO remote_links (node_id, site_id, level, state, last_version, last_error, attempts)
		VALUES ($1, $2, $3, 'SYNCED', $4, '', 0)
		ON CONFLICT (node_id, site_id) DO UPDATE SET
			level=EXCLUDED.level, state='SYNCED', last_version=EXCLUDED.last_version,
			last_error='', attempts=0, updated_at=NOW()
	`, item.ID, siteID, level, item.Version); err != nil {
		return fmt.Errorf("record link state: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit apply remote node: %w", err)
	}
	return nil
}

func (s *PostgresStore) InsertTimelineEvent(ctx context.Context, item TimelineEvent) (int64, error) {
	extraJSON, err := json.Marshal(item.Extra)
	if err != nil {
		return 0, fmt.Errorf("marshal event extra: %w", err)
	}
	var id int64
	err = s.db.QueryRowContext(ctx, `
		INSERT INTO timeline_events (actor_id, node_id, action, status, extra, parent_id)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING id
	`, item.ActorID, item.NodeID, item.Action, item.Status, extraJSON, item.ParentID).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("insert timeline event: %w", err)
	}
	return id, nil
}

func (s *PostgresStore) QueryTimeline(ctx context.Context, filter TimelineFilter) ([]TimelineEvent, error) {
	query := `
		SELECT id, actor_id, node_id, action, status, extra, parent_id, created_at
		FROM timeline_events
	`
	clauses := make([]string, 0, 5)
	args := make([]any, 0, 5)
	addClause := func(clause string, value any) {
		args = append(args, value)
		clauses = append(clauses, fmt.Sprintf(clause, len(args)))
	}
	if filter.NodeID != "" {
		addClause("node_id=$%d", filter.NodeID)
	}
	if filter.ActorID != "" {
		addClause("actor_id=$%d", filter.ActorID)
	}
	if filter.Action != "" {
		addClause("action=$%d", filter.Action)
	}
	if !filter.From.IsZero() {
		addClause("created_at >= $%d", filter.From)
	}
	if !filter.To.IsZero() {
		addClause("created_at <= $%d", filter.To)
	}
	if len(clauses) > 0 {
		query += " WHERE " + strings.Join(clauses, " AND ")
	}
	limit := filter.Limit
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	args = append(args, limit)
	query += fmt.Sprintf(" ORDER BY created_at DESC, id DESC LIMIT $%d", len(args))
	args = append(args, filter.Offset)
	query += fmt.Sprintf(" OFFSET $%d", len(args))

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query timeline: %w", err)
	}
	defer rows.Close()

	items := make([]TimelineEvent, 0)
	for rows.Next() {
		var item TimelineEvent
		var extraJSON []byte
		if err := rows.Scan(&item.ID, &item.ActorID, &item.NodeID, &item.Action, &item.Status, &extraJSON, &item.ParentID, &item.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan timeline event: %w", err)
		}
		if len(extraJSON) > 0 {
			if err := json.Unmarshal(extraJSON, &item.Extra); err != nil {
				return nil, fmt.Errorf("unmarshal event extra: %w", err)
			}
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate timeline: %w", err)
	}
	return items, nil
}
