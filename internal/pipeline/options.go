package pipeline

import "github.com/snarg/transcriptd/internal/database"

// RunOptions are per-run overrides supplied by a live finalize call.
type RunOptions struct {
	LanguageHint *string
	MaxMinutes   *int
}

// resolvedOptions are the effective settings for one run.
type resolvedOptions struct {
	Language   string
	MaxMinutes int // 0 means unlimited
}

// resolveOptions prefers live overrides, then the values persisted on the
// job, then the server defaults.
func resolveOptions(live RunOptions, job *database.Job, defaultLanguage string, defaultMaxMinutes int) resolvedOptions {
	out := resolvedOptions{Language: defaultLanguage, MaxMinutes: defaultMaxMinutes}

	switch {
	case live.LanguageHint != nil:
		out.Language = *live.LanguageHint
	case job.LanguageHint != nil:
		out.Language = *job.LanguageHint
	}

	switch {
	case live.MaxMinutes != nil:
		out.MaxMinutes = *live.MaxMinutes
	case job.MaxMinutes != nil:
		out.MaxMinutes = *job.MaxMinutes
	}
	if out.MaxMinutes < 0 {
		out.MaxMinutes = 0
	}
	return out
}

// exceedsDuration reports whether a known duration is over the ceiling.
func (o resolvedOptions) exceedsDuration(durationMs *int64) bool {
	return o.MaxMinutes > 0 && durationMs != nil && *durationMs > int64(o.MaxMinutes)*60_000
}
