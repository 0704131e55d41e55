package version

// Build metadata, injected via ldflags:
// -X 'github.com/caseflow/caseflow/pkg/version.Version=v1.0.0'
// -X 'github.com/caseflow/caseflow/pkg/version.CommitHash=abc123'
// -X 'github.com/caseflow/caseflow/pkg/version.BuildDate=2026-01-01T00:00:00Z'
var (
	Version    = "dev"
	CommitHash = "unknown"
	BuildDate  = "unknown"
)

type Info struct {
	Version    string `json:"version"`
	CommitHash string `json:"commit_hash"`
	BuildDate  string `json:"build_date"`
}

func Get() Info {
	return Info{
		Version:    Version,
		CommitHash: CommitHash,
		BuildDate:  BuildDate,
	}
}
