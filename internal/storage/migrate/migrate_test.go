package migrate

import (
	"testing"
	"testing/fstest"

	"FinSight-Agent/deploy/migrations"
)

func TestLoadOrdersByVersion(t *testing.T) {
	fsys := fstest.MapFS{
		"db/0002_b.sql":  {Data: []byte("CREATE TABLE b (id INT);")},
		"db/0001_a.sql":  {Data: []byte("CREATE TABLE a (id INT);\nCREATE INDEX i ON a(id);")},
		"db/README.md":   {Data: []byte("ignored")},
		"db/0003_x.sql":  {Data: []byte("  ;  ")},
		"other/0009.sql": {Data: []byte("SELECT 1")},
	}
	files, err := Load(fsys, "db")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(files) != 2 || files[0].Version != "0001" || files[1].Version != "0002" {
		t.Fatalf("unexpected files: %+v", files)
	}
	if len(files[0].Statements) != 2 {
		t.Fatalf("expected two statements, got %v", files[0].Statements)
	}
}

func TestEmbeddedMigrationsPresent(t *testing.T) {
	for _, dir := range []string{migrations.MySQLDir, migrations.SQLiteDir} {
		files, err := Load(migrations.Files, dir)
		if err != nil || len(files) == 0 {
			t.Fatalf("%s: expected embedded migrations, got %v %v", dir, files, err)
		}
	}
	if Version("0007.sql") != "0007" {
		t.Fatalf("unexpected version parse")
	}
}
