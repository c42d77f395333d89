package conn

import "testing"

func TestDSNDefaults(t *testing.T) {
	got := Option{}.dsn()
	want := "host=localhost port=5432 sslmode=disable"
	if got != want {
		t.Fatalf("dsn = %q, want %q", got, want)
	}
}

func TestDSNFull(t *testing.T) {
	got := Option{
		Host:     "db.internal",
		Port:     5433,
		User:     "trader",
		Password: "s3cret",
		Database: "pipeline",
		SSLMode:  "require",
	}.dsn()
	want := "host=db.internal port=5433 sslmode=require user=trader password=s3cret dbname=pipeline"
	if got != want {
		t.Fatalf("dsn = %q, want %q", got, want)
	}
}

func TestNilClientSafe(t *testing.T) {
	var c *Client
	if c.DB() != nil {
		t.Fatal("nil client returned a db")
	}
	if err := c.Close(); err != nil {
		t.Fatalf("close nil client: %v", err)
	}
}
