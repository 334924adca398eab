package testutil

import (
	"database/sql"
	"fmt"
	"testing"
	"time"

	"pm-go/internal/database"
)

// Fixture sizes used by SeedFixtures.
const (
	FixtureUsers    = 4
	FixtureProjects = 2
)

// SeedFixtures fills store with a small project-management dataset that
// touches every storage class: integers, reals, text (including non-ASCII),
// blobs and NULLs, self-referencing rows, a composite-key table, trigger
// side effects and an AUTOINCREMENT gap left by deleted rows.
// tasksPerProject controls the bulk of the data.
func SeedFixtures(t *testing.T, store *database.SQLiteStore, tasksPerProject int) {
	t.Helper()

	tx, err := store.DB().Begin()
	if err != nil {
		t.Fatalf("SeedFixtures: %v", err)
	}
	defer tx.Rollback()

	exec := func(query string, args ...any) sql.Result {
		t.Helper()
		res, err := tx.Exec(query, args...)
		if err != nil {
			t.Fatalf("SeedFixtures: %v\n%s", err, query)
		}
		return res
	}

	base := time.Date(2024, 1, 15, 9, 0, 0, 0, time.UTC)
	ts := func(minutes int) string {
		return base.Add(time.Duration(minutes) * time.Minute).Format("2006-01-02 15:04:05")
	}

	names := []string{"Ada Lovelace", "Grace Hopper", "Zoë Ångström", "李小龍"}
	for i := 1; i <= FixtureUsers; i++ {
		var email, avatar any
		if i%2 == 1 {
			email = fmt.Sprintf("user%d@example.com", i)
			avatar = []byte{0x89, 'P', 'N', 'G', 0x00, byte(i)}
		}
		exec(`INSERT INTO users (id, username, display_name, email, avatar, created_at) VALUES (?, ?, ?, ?, ?, ?)`,
			i, fmt.Sprintf("user%d", i), names[i-1], email, avatar, ts(i))
	}

	exec(`INSERT INTO roles (name, permissions) VALUES ('owner', '["*"]'), ('member', '["read","write"]'), ('viewer', '[]')`)

	for p := 1; p <= FixtureProjects; p++ {
		exec(`INSERT INTO projects (id, code, name, description, owner_id, archived, created_at) VALUES (?, ?, ?, ?, ?, ?, ?)`,
			p, fmt.Sprintf("P%d", p), fmt.Sprintf("Project %d", p), nil, p, p == FixtureProjects, ts(100+p))

		for u := 1; u <= FixtureUsers; u++ {
			role := 2
			if u == p {
				role = 1
			}
			exec(`INSERT INTO project_members (project_id, user_id, role_id, joined_at) VALUES (?, ?, ?, ?)`, p, u, role, ts(200+u))
		}

		res := exec(`INSERT INTO sprints (project_id, name, goal, starts_on, ends_on, status) VALUES (?, ?, ?, '2024-01-15', '2024-01-29', 'active')`,
			p, fmt.Sprintf("Sprint %d.1", p), "Ship the importer")
		sprintID, _ := res.LastInsertId()

		var first int64
		for i := 0; i < tasksPerProject; i++ {
			var parent, sprint, estimate any
			if i > 0 && i%5 == 0 {
				parent = first
			}
			if i%3 != 0 {
				sprint = sprintID
			}
			if i%4 != 0 {
				estimate = float64(i%8) + 0.25
			}
			res := exec(`INSERT INTO tasks (project_id, sprint_id, parent_id, assignee_id, title, description, status, priority, estimate, position, created_at, updated_at)
				VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
				p, sprint, parent, 1+i%FixtureUsers, fmt.Sprintf("Task %d-%d", p, i), "Détails: “quoted” text\nsecond line",
				[]string{"todo", "doing", "done"}[i%3], i%4, estimate, float64(i)/3, ts(300+i), ts(400+i))
			id, _ := res.LastInsertId()
			if i == 0 {
				first = id
			}
			if i%2 == 0 {
				exec(`INSERT INTO time_entries (task_id, user_id, started_at, minutes, note) VALUES (?, ?, ?, ?, ?)`,
					id, 1+i%FixtureUsers, ts(500+i), 15+i%60, nil)
			}
			if i%7 == 0 {
				exec(`INSERT INTO notes (project_id, task_id, author_id, body, created_at) VALUES (?, ?, ?, ?, ?)`,
					p, id, 1, fmt.Sprintf("Note on task %d", id), ts(600+i))
			}
		}

		res = exec(`INSERT INTO wiki_pages (project_id, slug, title, content, updated_at) VALUES (?, 'home', 'Home', '# Welcome', ?)`, p, ts(700))
		home, _ := res.LastInsertId()
		exec(`INSERT INTO wiki_pages (project_id, parent_id, slug, title, updated_at) VALUES (?, ?, 'setup', 'Setup', ?)`, p, home, ts(701))
	}

	// Leave a gap in the tasks sequence.
	res := exec(`INSERT INTO tasks (project_id, title, created_at, updated_at) VALUES (1, 'Deleted', ?, ?)`, ts(900), ts(900))
	gone, _ := res.LastInsertId()
	exec(`DELETE FROM tasks WHERE id = ?`, gone)

	if err := tx.Commit(); err != nil {
		t.Fatalf("SeedFixtures: %v", err)
	}
}
