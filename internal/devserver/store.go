package devserver

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"labcourse-cli/internal/model"

	_ "modernc.org/sqlite"
)

var (
	ErrNotFound = errors.New("not found")
	// ErrLocked is returned for writes to a closed year (HTTP 423).
	ErrLocked = errors.New("year is closed")
	// ErrConstraint is returned when dependent data blocks a change (HTTP 422).
	ErrConstraint = errors.New("constraint violation")
)

// Store keeps the fixture state of the dev server in SQLite.
type Store struct {
	db *sql.DB
}

// OpenStore opens (and migrates) the database at path. ":memory:" is accepted.
func OpenStore(ctx context.Context, path string) (*Store, error) {
	// modernc.org/sqlite driver name is "sqlite".
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// One connection: ":memory:" databases are per connection, and writes serialize anyway.
	db.SetMaxOpenConns(1)
	pragmas := []string{
		"PRAGMA foreign_keys=ON;",
		"PRAGMA busy_timeout=5000;",
	}
	for _, p := range pragmas {
		if _, err := db.ExecContext(ctx, p); err != nil {
			_ = db.Close()
			return nil, err
		}
	}
	s := &Store{db: db}
	if err := s.migrate(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) Close() error { return s.db.Close() }

func (s *Store) migrate(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS years (
			id INTEGER PRIMARY KEY,
			writable INTEGER NOT NULL DEFAULT 1
		);`,
		`CREATE TABLE IF NOT EXISTS days (
			id INTEGER PRIMARY KEY,
			name TEXT NOT NULL,
			year INTEGER NOT NULL REFERENCES years(id)
		);`,
		`CREATE TABLE IF NOT EXISTS experiments (
			id INTEGER PRIMARY KEY,
			name TEXT NOT NULL,
			year INTEGER NOT NULL REFERENCES years(id)
		);`,
		`CREATE TABLE IF NOT EXISTS tasks (
			id INTEGER PRIMARY KEY,
			experiment_id INTEGER NOT NULL REFERENCES experiments(id),
			name TEXT NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS events (
			day_id INTEGER NOT NULL REFERENCES days(id),
			experiment_id INTEGER NOT NULL REFERENCES experiments(id),
			date TEXT NOT NULL UNIQUE,
			PRIMARY KEY (day_id, experiment_id)
		);`,
		`CREATE TABLE IF NOT EXISTS lab_groups (
			id INTEGER PRIMARY KEY,
			desk INTEGER NOT NULL,
			day_id INTEGER NOT NULL REFERENCES days(id),
			comment TEXT NOT NULL DEFAULT ''
		);`,
		`CREATE TABLE IF NOT EXISTS students (
			id INTEGER PRIMARY KEY,
			matrikel TEXT NOT NULL,
			name TEXT NOT NULL,
			year INTEGER NOT NULL REFERENCES years(id),
			username TEXT,
			instructed INTEGER NOT NULL DEFAULT 0
		);`,
		`CREATE TABLE IF NOT EXISTS group_mappings (
			student_id INTEGER NOT NULL REFERENCES students(id),
			group_id INTEGER NOT NULL REFERENCES lab_groups(id),
			PRIMARY KEY (student_id, group_id)
		);`,
		`CREATE TABLE IF NOT EXISTS completions (
			group_id INTEGER NOT NULL REFERENCES lab_groups(id),
			task_id INTEGER NOT NULL REFERENCES tasks(id),
			PRIMARY KEY (group_id, task_id)
		);`,
		`CREATE TABLE IF NOT EXISTS elaborations (
			group_id INTEGER NOT NULL REFERENCES lab_groups(id),
			experiment_id INTEGER NOT NULL REFERENCES experiments(id),
			rework_required INTEGER NOT NULL,
			accepted INTEGER NOT NULL,
			PRIMARY KEY (group_id, experiment_id)
		);`,
		`CREATE TABLE IF NOT EXISTS audit_logs (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			created_at TEXT NOT NULL,
			year INTEGER NOT NULL,
			author TEXT NOT NULL,
			affected_group INTEGER,
			change TEXT NOT NULL
		);`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}
	return nil
}

// Seed fills an empty database with one open year, two events and a few groups.
func (s *Store) Seed(ctx context.Context, year int, firstDate time.Time) error {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM years`).Scan(&n); err != nil {
		return err
	}
	if n > 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	exec := func(q string, args ...any) {
		if err != nil {
			return
		}
		_, err = tx.ExecContext(ctx, q, args...)
	}
	exec(`INSERT INTO years(id, writable) VALUES(?, 1)`, year)
	exec(`INSERT INTO years(id, writable) VALUES(?, 0)`, year-1)
	exec(`INSERT INTO days(id, name, year) VALUES(1, 'Monday', ?), (2, 'Tuesday', ?), (3, 'Monday', ?)`, year, year, year-1)
	exec(`INSERT INTO experiments(id, name, year) VALUES(1, 'Pendulum', ?), (2, 'Optics', ?), (3, 'Pendulum', ?)`, year, year, year-1)
	exec(`INSERT INTO tasks(id, experiment_id, name) VALUES
		(1, 1, 'Setup'), (2, 1, 'Measurement'), (3, 1, 'Analysis'),
		(4, 2, 'Alignment'), (5, 2, 'Measurement'),
		(6, 3, 'Setup')`)
	exec(`INSERT INTO events(day_id, experiment_id, date) VALUES(1, 1, ?), (1, 2, ?), (3, 3, ?)`,
		firstDate.Format("2006-01-02"),
		firstDate.AddDate(0, 0, 7).Format("2006-01-02"),
		firstDate.AddDate(-1, 0, 0).Format("2006-01-02"))
	exec(`INSERT INTO lab_groups(id, desk, day_id, comment) VALUES
		(1, 1, 1, ''), (2, 2, 1, 'Needs a second stopwatch'), (3, 3, 1, ''),
		(4, 1, 2, ''), (5, 1, 3, '')`)
	exec(`INSERT INTO students(id, matrikel, name, year, username, instructed) VALUES
		(1, '100001', 'Ada Lovelace', ?, 'alovelace', 1),
		(2, '100002', 'Charles Babbage', ?, 'cbabbage', 1),
		(3, '100003', 'Grace Hopper', ?, NULL, 0),
		(4, '100004', 'Alan Turing', ?, 'aturing', 0),
		(5, '100005', 'Emmy Noether', ?, NULL, 1),
		(6, '100006', 'Lise Meitner', ?, NULL, 0),
		(7, '099001', 'Old Student', ?, NULL, 1)`,
		year, year, year, year, year, year, year-1)
	exec(`INSERT INTO group_mappings(student_id, group_id) VALUES(1, 1), (2, 1), (3, 2), (4, 2), (5, 3), (7, 5)`)
	exec(`INSERT INTO completions(group_id, task_id) VALUES(2, 1)`)
	if err != nil {
		return fmt.Errorf("seed: %w", err)
	}
	return tx.Commit()
}

// groupYear resolves the year of a group and fails with ErrLocked when it is closed.
func groupYear(ctx context.Context, tx *sql.Tx, group int) (int, error) {
	var year int
	var writable bool
	err := tx.QueryRowContext(ctx, `
		SELECT y.id, y.writable FROM lab_groups g
		JOIN days d ON d.id = g.day_id
		JOIN years y ON y.id = d.year
		WHERE g.id = ?`, group).Scan(&year, &writable)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, ErrNotFound
	}
	if err != nil {
		return 0, err
	}
	if !writable {
		return year, ErrLocked
	}
	return year, nil
}

func studentYear(ctx context.Context, tx *sql.Tx, student int) (int, string, error) {
	var year int
	var writable bool
	var name string
	err := tx.QueryRowContext(ctx, `
		SELECT y.id, y.writable, s.name FROM students s
		JOIN years y ON y.id = s.year
		WHERE s.id = ?`, student).Scan(&year, &writable, &name)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, "", ErrNotFound
	}
	if err != nil {
		return 0, "", err
	}
	if !writable {
		return year, name, ErrLocked
	}
	return year, name, nil
}

func audit(ctx context.Context, tx *sql.Tx, year int, group *int, author, change string) error {
	_, err := tx.ExecContext(ctx,
		`INSERT INTO audit_logs(created_at, year, author, affected_group, change) VALUES(?, ?, ?, ?, ?)`,
		time.Now().UTC().Format(time.RFC3339), year, author, group, change)
	return err
}

// update runs fn in a transaction.
func (s *Store) update(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()
	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *Store) SetCompletion(ctx context.Context, author string, group, task int, completed bool) (int, error) {
	var year int
	err := s.update(ctx, func(tx *sql.Tx) error {
		var err error
		if year, err = groupYear(ctx, tx, group); err != nil {
			return err
		}
		var taskName, experiment string
		err = tx.QueryRowContext(ctx, `SELECT t.name, e.name FROM tasks t JOIN experiments e ON e.id = t.experiment_id WHERE t.id = ?`, task).
			Scan(&taskName, &experiment)
		if errors.Is(err, sql.ErrNoRows) {
			return ErrNotFound
		}
		if err != nil {
			return err
		}
		change := fmt.Sprintf("Mark task %s (#%d) of %s as completed", taskName, task, experiment)
		if completed {
			_, err = tx.ExecContext(ctx, `INSERT OR IGNORE INTO completions(group_id, task_id) VALUES(?, ?)`, group, task)
		} else {
			change = fmt.Sprintf("Unmark task %s (#%d) of %s as completed", taskName, task, experiment)
			_, err = tx.ExecContext(ctx, `DELETE FROM completions WHERE group_id = ? AND task_id = ?`, group, task)
		}
		if err != nil {
			return err
		}
		return audit(ctx, tx, year, &group, author, change)
	})
	return year, err
}

// SetElaboration stores grade; a grade that was not handed in removes the elaboration.
func (s *Store) SetElaboration(ctx context.Context, author string, group, experiment int, grade model.Grade) (int, error) {
	var year int
	err := s.update(ctx, func(tx *sql.Tx) error {
		var err error
		if year, err = groupYear(ctx, tx, group); err != nil {
			return err
		}
		var name string
		err = tx.QueryRowContext(ctx, `SELECT name FROM experiments WHERE id = ?`, experiment).Scan(&name)
		if errors.Is(err, sql.ErrNoRows) {
			return ErrNotFound
		}
		if err != nil {
			return err
		}
		if grade.HandedIn {
			_, err = tx.ExecContext(ctx, `
				INSERT INTO elaborations(group_id, experiment_id, rework_required, accepted) VALUES(?, ?, ?, ?)
				ON CONFLICT(group_id, experiment_id) DO UPDATE SET rework_required = excluded.rework_required, accepted = excluded.accepted`,
				group, experiment, grade.ReworkRequired, grade.Accepted)
		} else {
			_, err = tx.ExecContext(ctx, `DELETE FROM elaborations WHERE group_id = ? AND experiment_id = ?`, group, experiment)
		}
		if err != nil {
			return err
		}
		return audit(ctx, tx, year, &group, author, fmt.Sprintf("Set elaboration of %s to %s", name, grade.Label()))
	})
	return year, err
}

func (s *Store) SetComment(ctx context.Context, author string, group int, comment string) (int, error) {
	var year int
	err := s.update(ctx, func(tx *sql.Tx) error {
		var err error
		if year, err = groupYear(ctx, tx, group); err != nil {
			return err
		}
		if _, err = tx.ExecContext(ctx, `UPDATE lab_groups SET comment = ? WHERE id = ?`, comment, group); err != nil {
			return err
		}
		return audit(ctx, tx, year, &group, author, fmt.Sprintf("Change comment to '%s'", comment))
	})
	return year, err
}

// AddStudent puts student into group, taking it out of any other group of the same year.
func (s *Store) AddStudent(ctx context.Context, author string, group, student int) (int, string, error) {
	var (
		year int
		name string
	)
	err := s.update(ctx, func(tx *sql.Tx) error {
		var err error
		if year, err = groupYear(ctx, tx, group); err != nil {
			return err
		}
		var studentYr int
		if studentYr, name, err = studentYear(ctx, tx, student); err != nil {
			return err
		}
		if studentYr != year {
			return ErrConstraint
		}
		if _, err = tx.ExecContext(ctx, `DELETE FROM group_mappings WHERE student_id = ?`, student); err != nil {
			return err
		}
		if _, err = tx.ExecContext(ctx, `INSERT INTO group_mappings(student_id, group_id) VALUES(?, ?)`, student, group); err != nil {
			return err
		}
		return audit(ctx, tx, year, &group, author, fmt.Sprintf("Add %s (#%d) to group", name, student))
	})
	return year, name, err
}

// RemoveStudent fails with ErrConstraint once the group has completions or elaborations.
func (s *Store) RemoveStudent(ctx context.Context, author string, group, student int) (int, error) {
	var year int
	err := s.update(ctx, func(tx *sql.Tx) error {
		var err error
		if year, err = groupYear(ctx, tx, group); err != nil {
			return err
		}
		var n int
		if err = tx.QueryRowContext(ctx, `
			SELECT (SELECT COUNT(*) FROM completions WHERE group_id = ?) +
			       (SELECT COUNT(*) FROM elaborations WHERE group_id = ?)`, group, group).Scan(&n); err != nil {
			return err
		}
		if n > 0 {
			return ErrConstraint
		}
		res, err := tx.ExecContext(ctx, `DELETE FROM group_mappings WHERE student_id = ? AND group_id = ?`, student, group)
		if err != nil {
			return err
		}
		if affected, _ := res.RowsAffected(); affected != 1 {
			return ErrNotFound
		}
		_, name, err := studentYear(ctx, tx, student)
		if err != nil {
			return err
		}
		return audit(ctx, tx, year, &group, author, fmt.Sprintf("Remove %s (#%d) from group", name, student))
	})
	return year, err
}

func (s *Store) SetInstructed(ctx context.Context, author string, student int, instructed bool) (int, error) {
	var year int
	err := s.update(ctx, func(tx *sql.Tx) error {
		var (
			name string
			err  error
		)
		if year, name, err = studentYear(ctx, tx, student); err != nil {
			return err
		}
		if _, err = tx.ExecContext(ctx, `UPDATE students SET instructed = ? WHERE id = ?`, instructed, student); err != nil {
			return err
		}
		return audit(ctx, tx, year, nil, author, fmt.Sprintf("Set instructed of %s (#%d) to %t", name, student, instructed))
	})
	return year, err
}

// SetWritable opens or closes a year.
func (s *Store) SetWritable(ctx context.Context, year int, writable bool) error {
	res, err := s.db.ExecContext(ctx, `UPDATE years SET writable = ? WHERE id = ?`, writable, year)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func termFilter(terms []string) (string, []any) {
	var b strings.Builder
	var args []any
	for _, t := range terms {
		t = strings.TrimSpace(t)
		if t == "" {
			continue
		}
		b.WriteString(` AND (s.name LIKE ? ESCAPE '\' OR s.matrikel LIKE ? ESCAPE '\')`)
		like := "%" + escapeLike(t) + "%"
		args = append(args, like, like)
	}
	return b.String(), args
}

func escapeLike(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return r.Replace(s)
}

// SearchStudents matches every term against name or matrikel (case insensitive), ordered by name.
func (s *Store) SearchStudents(ctx context.Context, terms []string, year int) ([]model.Student, error) {
	where, args := termFilter(terms)
	rows, err := s.db.QueryContext(ctx, `
		SELECT s.id, s.name, s.matrikel, s.username, s.instructed FROM students s
		WHERE s.year = ?`+where+`
		ORDER BY s.name, s.id`, append([]any{year}, args...)...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := []model.Student{}
	for rows.Next() {
		st, err := scanStudent(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, st)
	}
	return out, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanStudent(row scanner) (model.Student, error) {
	var (
		st       model.Student
		username sql.NullString
	)
	if err := row.Scan(&st.ID, &st.Name, &st.Matrikel, &username, &st.Instructed); err != nil {
		return st, err
	}
	if username.Valid {
		u := username.String
		st.Username = &u
	}
	return st, nil
}

// SearchGroups returns the groups containing a student matching all terms, by day and desk.
func (s *Store) SearchGroups(ctx context.Context, terms []string, year int) ([]model.SearchGroup, error) {
	where, args := termFilter(terms)
	rows, err := s.db.QueryContext(ctx, `
		SELECT DISTINCT g.id, g.desk, d.id, d.name FROM lab_groups g
		JOIN days d ON d.id = g.day_id
		JOIN group_mappings m ON m.group_id = g.id
		JOIN students s ON s.id = m.student_id
		WHERE d.year = ?`+where+`
		ORDER BY d.id, g.desk, g.id`, append([]any{year}, args...)...)
	if err != nil {
		return nil, err
	}
	var out []model.SearchGroup
	for rows.Next() {
		var g model.SearchGroup
		var dayID int
		if err := rows.Scan(&g.ID, &g.Desk, &dayID, &g.Day); err != nil {
			rows.Close()
			return nil, err
		}
		out = append(out, g)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for i := range out {
		if out[i].Students, err = s.groupStudents(ctx, out[i].ID); err != nil {
			return nil, err
		}
	}
	if out == nil {
		out = []model.SearchGroup{}
	}
	return out, nil
}

func (s *Store) groupStudents(ctx context.Context, group int) ([]model.Student, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT s.id, s.name, s.matrikel, s.username, s.instructed FROM students s
		JOIN group_mappings m ON m.student_id = s.id
		WHERE m.group_id = ?
		ORDER BY s.name, s.id`, group)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := []model.Student{}
	for rows.Next() {
		st, err := scanStudent(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, st)
	}
	return out, rows.Err()
}

// Event loads the board for the event on date.
func (s *Store) Event(ctx context.Context, date string) (*model.Event, error) {
	var (
		ev    model.Event
		dayID int
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT e.date, d.id, d.name, d.year, x.id, x.name FROM events e
		JOIN days d ON d.id = e.day_id
		JOIN experiments x ON x.id = e.experiment_id
		WHERE e.date = ?`, date).Scan(&ev.Date, &dayID, &ev.Day, &ev.Year, &ev.ExperimentID, &ev.Experiment)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	prevNext := func(q string) (*string, error) {
		var d string
		err := s.db.QueryRowContext(ctx, q, ev.ExperimentID, ev.Date).Scan(&d)
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		if err != nil {
			return nil, err
		}
		return &d, nil
	}
	if ev.PrevEvent, err = prevNext(`SELECT date FROM events WHERE experiment_id = ? AND date < ? ORDER BY date DESC LIMIT 1`); err != nil {
		return nil, err
	}
	if ev.NextEvent, err = prevNext(`SELECT date FROM events WHERE experiment_id = ? AND date > ? ORDER BY date ASC LIMIT 1`); err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx, `SELECT id, desk, comment FROM lab_groups WHERE day_id = ? ORDER BY desk, id`, dayID)
	if err != nil {
		return nil, err
	}
	for rows.Next() {
		g := model.Group{Day: ev.Day}
		if err := rows.Scan(&g.ID, &g.Desk, &g.Comment); err != nil {
			rows.Close()
			return nil, err
		}
		ev.Groups = append(ev.Groups, g)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for i := range ev.Groups {
		g := &ev.Groups[i]
		if g.Students, err = s.groupStudents(ctx, g.ID); err != nil {
			return nil, err
		}
		if g.Tasks, err = s.groupTasks(ctx, g.ID, ev.ExperimentID); err != nil {
			return nil, err
		}
		var rework, accepted bool
		err = s.db.QueryRowContext(ctx, `SELECT rework_required, accepted FROM elaborations WHERE group_id = ? AND experiment_id = ?`,
			g.ID, ev.ExperimentID).Scan(&rework, &accepted)
		switch {
		case errors.Is(err, sql.ErrNoRows):
		case err != nil:
			return nil, err
		default:
			g.Elaboration = model.Grade{HandedIn: true, ReworkRequired: rework, Accepted: accepted}
		}
	}
	if ev.Groups == nil {
		ev.Groups = []model.Group{}
	}
	return &ev, nil
}

func (s *Store) groupTasks(ctx context.Context, group, experiment int) ([]model.Task, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT t.id, t.name, c.group_id IS NOT NULL FROM tasks t
		LEFT JOIN completions c ON c.task_id = t.id AND c.group_id = ?
		WHERE t.experiment_id = ?
		ORDER BY t.id`, group, experiment)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := []model.Task{}
	for rows.Next() {
		var t model.Task
		if err := rows.Scan(&t.ID, &t.Name, &t.Completed); err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// Audit returns the newest audit entries of a year.
func (s *Store) Audit(ctx context.Context, year, limit int) ([]AuditEntry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT created_at, author, affected_group, change FROM audit_logs
		WHERE year = ? ORDER BY id DESC LIMIT ?`, year, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []AuditEntry
	for rows.Next() {
		var e AuditEntry
		var group sql.NullInt64
		if err := rows.Scan(&e.CreatedAt, &e.Author, &group, &e.Change); err != nil {
			return nil, err
		}
		if group.Valid {
			g := int(group.Int64)
			e.Group = &g
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

type AuditEntry struct {
	CreatedAt string `json:"created_at"`
	Author    string `json:"author"`
	Group     *int   `json:"group,omitempty"`
	Change    string `json:"change"`
}

// parseYear accepts a four digit year path parameter.
func parseYear(raw string) (int, error) {
	y, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil || y < 1900 || y > 9999 {
		return 0, fmt.Errorf("invalid year %q", raw)
	}
	return y, nil
}
