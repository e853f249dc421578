package db

import (
	"fmt"
	"testing"

	"github.com/nickyhof/EntityDB/core"
	"github.com/nickyhof/EntityDB/history"
	"github.com/nickyhof/EntityDB/ps"
	"github.com/nickyhof/EntityDB/rewrite"
	"github.com/nickyhof/EntityDB/sql"
	"github.com/sirupsen/logrus"
)

var userSchema = core.Schema{
	Key:     "users",
	Version: "1.0",
	Properties: map[string]core.Property{
		"id":   {Type: core.IntegerType},
		"name": {Type: core.StringType},
		"age":  {Type: core.IntegerType},
		"city": {Type: core.StringType},
	},
	PrimaryKey: []string{"/id"},
}

const benchmarkUsers = 1000

func newBenchmarkEngine(b *testing.B) *Engine {
	b.Helper()
	persistence, err := ps.NewMemoryPersistence()
	if err != nil {
		b.Fatalf("Failed to initialize persistence: %v", err)
	}
	logger := logrus.New()
	logger.SetLevel(logrus.ErrorLevel)
	engine, err := NewEngine(persistence, Options{
		Identity: core.Identity{Name: "benchmark", Email: "bench@test.com"},
		Logger:   logger,
	})
	if err != nil {
		b.Fatalf("Failed to create engine: %v", err)
	}
	if err := engine.RegisterSchema(userSchema); err != nil {
		b.Fatalf("Failed to register schema: %v", err)
	}
	return engine
}

// setupBenchmarkEngine creates an engine holding benchmarkUsers users
func setupBenchmarkEngine(b *testing.B) *Engine {
	engine := newBenchmarkEngine(b)
	for i := 1; i <= benchmarkUsers; i++ {
		_, err := engine.Execute("INSERT INTO users (id, name, age, city) VALUES (?, ?, ?, ?)",
			i, fmt.Sprintf("User%d", i), 20+i%50, fmt.Sprintf("City%d", i%10))
		if err != nil {
			b.Fatalf("Failed to insert: %v", err)
		}
	}
	return engine
}

func BenchmarkSQLParsing(b *testing.B) {
	queries := []struct {
		name  string
		query string
	}{
		{"SimpleSelect", "SELECT * FROM users"},
		{"SelectWithWhere", "SELECT * FROM users WHERE age > 30"},
		{"SelectWithOrderBy", "SELECT * FROM users ORDER BY age DESC"},
		{"SelectWithIn", "SELECT * FROM users WHERE city IN ('City1', 'City2', 'City3')"},
		{"SelectComplex", "SELECT * FROM users WHERE age > 25 AND city = 'City5' ORDER BY name ASC LIMIT 10"},
		{"Insert", "INSERT INTO users (id, name, age, city) VALUES (1, 'Test', 25, 'NYC')"},
		{"Update", "UPDATE users SET age = 30 WHERE id = 1"},
		{"Delete", "DELETE FROM users WHERE id = 1"},
	}

	for _, q := range queries {
		b.Run(q.name, func(b *testing.B) {
			for i := 0; i < b.N; i++ {
				if _, err := sql.NewParser(q.query).Parse(); err != nil {
					b.Fatalf("Parse error: %v", err)
				}
			}
		})
	}
}

func BenchmarkRewrite(b *testing.B) {
	engine := newBenchmarkEngine(b)
	rewriter := engine.Rewriter()
	queries := map[string]string{
		"Select": "SELECT name FROM users WHERE age > 30 ORDER BY name",
		"Insert": "INSERT INTO users (id, name, age, city) VALUES (1, 'Test', 25, 'NYC')",
		"Update": "UPDATE users SET age = 31 WHERE id = 1",
	}
	for name, query := range queries {
		b.Run(name, func(b *testing.B) {
			for i := 0; i < b.N; i++ {
				if _, err := rewriter.Rewrite(query, nil, rewrite.Options{ActiveVersionID: core.MainVersionID}); err != nil {
					b.Fatal(err)
				}
			}
		})
	}
}

func benchmarkQuery(b *testing.B, query string) {
	engine := setupBenchmarkEngine(b)
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if _, err := engine.Execute(query); err != nil {
			b.Fatalf("Execute error: %v", err)
		}
	}
}

func BenchmarkSelectAll(b *testing.B) {
	benchmarkQuery(b, "SELECT * FROM users")
}

func BenchmarkSelectWithWhere(b *testing.B) {
	benchmarkQuery(b, "SELECT * FROM users WHERE age > 40")
}

func BenchmarkSelectWithOrderBy(b *testing.B) {
	benchmarkQuery(b, "SELECT * FROM users ORDER BY age DESC")
}

func BenchmarkSelectWithLimit(b *testing.B) {
	benchmarkQuery(b, "SELECT * FROM users LIMIT 10")
}

func BenchmarkCount(b *testing.B) {
	benchmarkQuery(b, "SELECT COUNT(*) FROM users")
}

func BenchmarkSumAvg(b *testing.B) {
	benchmarkQuery(b, "SELECT SUM(age), AVG(age) FROM users WHERE city = 'City3'")
}

func BenchmarkSelectState(b *testing.B) {
	benchmarkQuery(b, "SELECT entity_id FROM state_all WHERE schema_key = 'users' AND version_id = 'main'")
}

func BenchmarkInsert(b *testing.B) {
	engine := newBenchmarkEngine(b)
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_, err := engine.Execute("INSERT INTO users (id, name, age, city) VALUES (?, 'Bench', 30, 'NYC')", i+1)
		if err != nil {
			b.Fatalf("Execute error: %v", err)
		}
	}
}

func BenchmarkUpdate(b *testing.B) {
	engine := setupBenchmarkEngine(b)
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_, err := engine.Execute("UPDATE users SET age = ? WHERE id = ?", 20+i%50, 1+i%benchmarkUsers)
		if err != nil {
			b.Fatalf("Execute error: %v", err)
		}
	}
}

// BenchmarkInheritedRead reads main's rows through a child version
func BenchmarkInheritedRead(b *testing.B) {
	engine := setupBenchmarkEngine(b)
	child, err := engine.CreateVersion(history.VersionOptions{Name: "child", From: core.MainVersionID})
	if err != nil {
		b.Fatal(err)
	}
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if _, err := engine.ExecuteIn(child.ID, "SELECT * FROM users WHERE age > 40"); err != nil {
			b.Fatalf("Execute error: %v", err)
		}
	}
}

func BenchmarkCheckpoint(b *testing.B) {
	engine := newBenchmarkEngine(b)
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		b.StopTimer()
		_, err := engine.Execute("INSERT INTO users (id, name, age, city) VALUES (?, 'Bench', 30, 'NYC')", i+1)
		if err != nil {
			b.Fatal(err)
		}
		b.StartTimer()
		if _, err := engine.Checkpoint(core.MainVersionID); err != nil {
			b.Fatal(err)
		}
	}
}

func BenchmarkRebuild(b *testing.B) {
	engine := setupBenchmarkEngine(b)
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if err := engine.Rebuild(); err != nil {
			b.Fatal(err)
		}
	}
}
