package main

import (
	"context"
	"fmt"
	"os"
	"sort"
	"strconv"
	"time"

	"github.com/rs/zerolog"

	"github.com/snarg/transcriptd/internal/config"
	"github.com/snarg/transcriptd/internal/database"
)

const usage = `usage: jobcheck [command]

commands:
  (none)            job counts per status
  stale [minutes]   processing jobs with no heartbeat in the last N minutes (default 2)
  release <job-id>  clear the worker claim so the reaper re-claims the job
  orphans           chunk rows still held by finished jobs
  purge <days> [apply]
                    delete finished jobs older than N days (dry run without apply)
`

func main() {
	cfg, err := config.Load(config.Overrides{})
	if err != nil {
		fmt.Fprintln(os.Stderr, "config:", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	db, err := database.Connect(ctx, cfg.DatabaseURL, database.PoolOptions{
		MaxConns:       2,
		ConnectTimeout: cfg.DBConnectTimeout,
		AppName:        "jobcheck",
	}, zerolog.Nop())
	if err != nil {
		fmt.Fprintln(os.Stderr, "connect:", err)
		os.Exit(1)
	}
	defer db.Close()

	args := os.Args[1:]
	cmd := ""
	if len(args) > 0 {
		cmd = args[0]
	}

	switch cmd {
	case "":
		err = statusCounts(ctx, db)
	case "stale":
		minutes := 2
		if len(args) > 1 {
			if minutes, err = strconv.Atoi(args[1]); err != nil {
				break
			}
		}
		err = staleClaims(ctx, db, time.Duration(minutes)*time.Minute)
	case "release":
		if len(args) < 2 {
			fmt.Fprint(os.Stderr, usage)
			os.Exit(2)
		}
		err = release(ctx, db, args[1])
	case "orphans":
		var n int64
		if n, err = db.OrphanedChunkCount(ctx); err == nil {
			fmt.Printf("Chunk rows held by finished jobs: %d\n", n)
		}
	case "purge":
		if len(args) < 2 {
			fmt.Fprint(os.Stderr, usage)
			os.Exit(2)
		}
		var days int
		if days, err = strconv.Atoi(args[1]); err != nil {
			break
		}
		apply := len(args) > 2 && args[2] == "apply"
		err = purge(ctx, db, time.Duration(days)*24*time.Hour, apply)
	default:
		fmt.Fprint(os.Stderr, usage)
		os.Exit(2)
	}

	if err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func statusCounts(ctx context.Context, db *database.DB) error {
	counts, err := db.StatusCounts(ctx)
	if err != nil {
		return err
	}
	statuses := make([]string, 0, len(counts))
	var total int64
	for s, n := range counts {
		statuses = append(statuses, string(s))
		total += n
	}
	sort.Strings(statuses)

	fmt.Println("Status          Count")
	fmt.Println("─────────────────────")
	for _, s := range statuses {
		fmt.Printf("%-15s %d\n", s, counts[database.Status(s)])
	}
	fmt.Printf("%-15s %d\n", "total", total)
	return nil
}

func staleClaims(ctx context.Context, db *database.DB, after time.Duration) error {
	claims, err := db.ListStaleClaims(ctx, time.Now().Add(-after), 100)
	if err != nil {
		return err
	}
	if len(claims) == 0 {
		fmt.Println("(no stale claims)")
		return nil
	}
	for _, c := range claims {
		worker, beat := "-", "never"
		if c.WorkerID != nil {
			worker = *c.WorkerID
		}
		if c.HeartbeatAt != nil {
			beat = time.Since(*c.HeartbeatAt).Round(time.Second).String() + " ago"
		}
		fmt.Printf("  %s user=%s worker=%s heartbeat=%s\n", c.JobID, c.UserID, worker, beat)
	}
	return nil
}

func release(ctx context.Context, db *database.DB, jobID string) error {
	ok, err := db.ForceRelease(ctx, jobID)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("job %s is not processing", jobID)
	}
	fmt.Printf("Released %s; the next reaper sweep will resume it\n", jobID)
	return nil
}

func purge(ctx context.Context, db *database.DB, age time.Duration, apply bool) error {
	cutoff := time.Now().Add(-age)
	if !apply {
		fmt.Printf("Dry run: would delete finished jobs before %s (add \"apply\" to delete)\n", cutoff.Format(time.RFC3339))
		return nil
	}
	n, err := db.PurgeFinishedJobs(ctx, cutoff)
	if err != nil {
		return err
	}
	fmt.Printf("Deleted %d finished jobs\n", n)
	return nil
}
