package jobs_test

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"

	"hiveline/internal/jobs"
)

// The mongo ledger runs the shared contract tests against a live server when
// HIVELINE_TEST_MONGO_URI is set.
func TestMongoLedgerContract(t *testing.T) {
	uri := os.Getenv("HIVELINE_TEST_MONGO_URI")
	if uri == "" {
		t.Skip("HIVELINE_TEST_MONGO_URI not set")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	client, err := jobs.ConnectMongo(ctx, uri)
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer client.Disconnect(context.Background())
	database := client.Database("hiveline_test_" + uuid.NewString()[:8])
	defer database.Drop(context.Background())

	mk := func(t *testing.T, c *clock) jobs.Ledger {
		l, err := jobs.NewMongoLedger(ctx, database, "jobs_"+uuid.NewString()[:8])
		if err != nil {
			t.Fatalf("ledger: %v", err)
		}
		l.Now = c.Now
		return l
	}
	ledgers["mongo"] = mk
	defer delete(ledgers, "mongo")

	t.Run("create", TestCreateJobsIsIdempotent)
	t.Run("pop", TestPopJobIsExclusive)
	t.Run("lifecycle", TestJobLifecycle)
	t.Run("timeout", TestResetTimedOutJobs)
}
