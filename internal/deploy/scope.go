package deploy

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"

	"deployplane/internal/store"
)

// ErrRunsOutOfOrder is returned when runs are not sorted by ascending
// mergedTs. Conflict resolutions are last-writer-wins, so folding them in
// any other order would silently pick the wrong winner.
var ErrRunsOutOfOrder = errors.New("deploy: runs not in ascending mergedTs order")

// SysID identifies a (scope, commit) pair. The same inputs always produce
// the same id.
func SysID(scopeName, commitID string) string {
	sum := sha256.Sum256([]byte(scopeName + commitID))
	return hex.EncodeToString(sum[:])
}

// FoldedScope is one scope with everything accumulated for it.
type FoldedScope struct {
	Name  string `json:"name"`
	Scope Scope  `json:"scope"`

	// UsID of the newest run folded into the scope.
	UsID string `json:"usId,omitempty"`
}

type folder struct {
	order  []string
	scopes map[string]*FoldedScope
}

func newFolder() *folder {
	return &folder{scopes: make(map[string]*FoldedScope)}
}

func (f *folder) add(run Run) {
	fs, ok := f.scopes[run.ScopeName]
	if !ok {
		fs = &FoldedScope{
			Name:  run.ScopeName,
			Scope: Scope{ConflictResolutions: map[string]string{}},
		}
		f.scopes[run.ScopeName] = fs
		f.order = append(f.order, run.ScopeName)
	}

	fs.Scope.Artifacts = append(fs.Scope.Artifacts, Artifact{
		Name:     run.ArtifactName,
		File:     run.ArtifactFile,
		CommitID: run.CommitID,
	})
	for key, resolution := range run.ConflictResolutions {
		fs.Scope.ConflictResolutions[key] = resolution
	}
	if run.UpdateSet != nil {
		us := *run.UpdateSet
		fs.Scope.UpdateSet = &us
	}
	if run.UsID != "" {
		fs.UsID = run.UsID
	}
}

func (f *folder) result() []FoldedScope {
	out := make([]FoldedScope, 0, len(f.order))
	for _, name := range f.order {
		out = append(out, *f.scopes[name])
	}
	return out
}

// FoldScopes groups runs by scope name, oldest first. Artifacts are
// appended, conflict resolutions are overwritten by later runs and the
// newest update set summary wins. Scopes are returned in order of first
// appearance.
func FoldScopes(runs []Run) ([]FoldedScope, error) {
	f := newFolder()
	for i, run := range runs {
		if i > 0 && run.MergedTs < runs[i-1].MergedTs {
			return nil, fmt.Errorf("%w: run %s (%d) after run %s (%d)",
				ErrRunsOutOfOrder, run.ID, run.MergedTs, runs[i-1].ID, runs[i-1].MergedTs)
		}
		f.add(run)
	}
	return f.result(), nil
}

// Baseline is the last good deployment to a target. Ts is the mergedTs
// boundary it covered, -1 when there is none.
type Baseline struct {
	DeploymentID string `json:"deploymentId,omitempty"`
	CommitID     string `json:"commitId,omitempty"`
	Ts           int64  `json:"ts"`
}

// FindBaseline returns the newest deployment of appID to target that
// completed, completed with missing references, or was delivered.
func FindBaseline(ctx context.Context, st store.Store, appID, target string) (Baseline, error) {
	docs, err := st.Find(ctx, store.TableDeployments,
		store.Query{
			"appId": appID,
			"to":    target,
			"state": map[string]any{store.OpIn: baselineStates},
		},
		store.Sort("ts", true),
		store.Limit(1),
	)
	if err != nil {
		return Baseline{}, fmt.Errorf("find baseline: %w", err)
	}
	if len(docs) == 0 {
		return Baseline{Ts: -1}, nil
	}

	var d Deployment
	if err := store.Decode(docs[0], &d); err != nil {
		return Baseline{}, err
	}
	// Rows written before MergedTs was recorded only carry their own Ts.
	boundary := d.MergedTs
	if boundary == 0 {
		boundary = d.Ts
	}
	return Baseline{DeploymentID: d.ID, CommitID: d.CommitID, Ts: boundary}, nil
}

// MergedRunsSince returns the merged runs of appID after ts, oldest first.
func MergedRunsSince(ctx context.Context, st store.Store, appID string, ts int64) ([]Run, error) {
	docs, err := st.Find(ctx, store.TableRuns,
		store.Query{
			"appId":    appID,
			"merged":   true,
			"mergedTs": map[string]any{store.OpGt: ts},
		},
		store.Sort("mergedTs", false),
	)
	if err != nil {
		return nil, fmt.Errorf("find merged runs: %w", err)
	}
	return store.DecodeAll[Run](docs)
}
