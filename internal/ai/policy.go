package ai

// ApprovalPolicy is the engine-facing approval-prompt mode string; kept
// as plain strings, not an enum, because adapters forward it to the
// engine verbatim.
const (
	ApprovalUntrusted = "untrusted"
	ApprovalOnRequest = "on-request"
)

// SandboxPolicy is what a turn supervisor hands an adapter at turn start:
// the writable roots, network allowance, and approval mode derived from
// trust.
type SandboxPolicy struct {
	WritableRoots []string
	AllowNetwork  bool
	ApprovalMode  string
}

// AggregateTrust folds a set of repo trust levels into one workspace-scope
// trust level: Restricted dominates, then all-Trusted,
// otherwise Standard.
func AggregateTrust(levels []TrustLevel) TrustLevel {
	if len(levels) == 0 {
		return TrustStandard
	}
	allTrusted := true
	for _, l := range levels {
		if l == TrustRestricted {
			return TrustRestricted
		}
		if l != TrustTrusted {
			allTrusted = false
		}
	}
	if allTrusted {
		return TrustTrusted
	}
	return TrustStandard
}

// DeriveSandbox is a pure function of trust level and writable roots,
// callable independently of a running turn.
func DeriveSandbox(trust TrustLevel, writableRoots []string) SandboxPolicy {
	mode := ApprovalOnRequest
	if trust == TrustRestricted {
		mode = ApprovalUntrusted
	}
	return SandboxPolicy{
		WritableRoots: writableRoots,
		AllowNetwork:  trust == TrustTrusted,
		ApprovalMode:  mode,
	}
}

// ErrWorkspaceOptInRequired is returned by ResolveSandbox when a
// Workspace-scope thread spans more than one writable root without the
// explicit opt-in flag.
var ErrWorkspaceOptInRequired = newPolicyError("workspace thread with multiple writable roots requires explicit confirmation (engine_metadata.workspaceWriteOptIn)")

type policyError string

func newPolicyError(msg string) error { return policyError(msg) }
func (e policyError) Error() string   { return string(e) }

// WorkspaceWriteOptInKey is the engine_metadata field send_message checks
// before contacting the engine for a multi-repo Workspace-scope thread.
const WorkspaceWriteOptInKey = "workspaceWriteOptIn"

// RepoTrustInfo is the minimal repo projection policy needs: just enough
// to aggregate trust and pick writable roots, independent of the store's
// full Repo row (kept here, not in threadstore, so this leaf package has
// no dependency on the persistence layer; the service layer maps
// threadstore.Repo -> RepoTrustInfo at the call site).
type RepoTrustInfo struct {
	ID       string
	Path     string
	IsActive bool
	Trust    TrustLevel
}

// ResolveSandbox derives the sandbox policy for a thread, given its scope
// and the repos in play. selectedRepoID picks the repo for ScopeRepo
// threads; workspaceRoot is the fallback when a ScopeWorkspace workspace
// owns no repos yet.
func ResolveSandbox(scope ThreadScopeKind, repos []RepoTrustInfo, selectedRepoID string, workspaceRoot string, optedIn bool) (SandboxPolicy, error) {
	switch scope {
	case ScopeRepo:
		for _, r := range repos {
			if r.ID == selectedRepoID {
				return DeriveSandbox(r.Trust, []string{r.Path}), nil
			}
		}
		return SandboxPolicy{}, newPolicyError("selected repo not found in workspace")

	case ScopeWorkspace:
		var roots []string
		var levels []TrustLevel
		for _, r := range repos {
			if !r.IsActive {
				continue
			}
			roots = append(roots, r.Path)
			levels = append(levels, r.Trust)
		}
		if len(roots) == 0 {
			roots = []string{workspaceRoot}
		}
		if len(roots) > 1 && !optedIn {
			return SandboxPolicy{}, ErrWorkspaceOptInRequired
		}
		return DeriveSandbox(AggregateTrust(levels), roots), nil

	default:
		return SandboxPolicy{}, newPolicyError("unknown thread scope")
	}
}
