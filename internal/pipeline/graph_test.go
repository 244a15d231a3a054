package pipeline

import (
	"errors"
	"testing"

	"deployer/internal/apperrors"
	"deployer/internal/environment"
	"deployer/internal/trigger"
)

func jobIDs(jobs []*Job) []string {
	ids := make([]string, 0, len(jobs))
	for _, j := range jobs {
		ids = append(ids, j.ID)
	}
	return ids
}

func TestBuildGraph(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		trig trigger.Context
		mode environment.Mode
		want []string
	}{
		{
			name: "pull request dev-only",
			trig: trigger.Context{Kind: trigger.KindPullRequest, CommitSHA: "abc123def"},
			mode: environment.ModeDevOnly,
			want: []string{jobPlanDev},
		},
		{
			name: "pull request production",
			trig: trigger.Context{Kind: trigger.KindPullRequest, CommitSHA: "abc123def"},
			mode: environment.ModeProduction,
			want: []string{jobPlanDev},
		},
		{
			name: "merge dev-only",
			trig: trigger.Context{Kind: trigger.KindMerge, CommitSHA: "abc123def"},
			mode: environment.ModeDevOnly,
			want: []string{jobBuild, jobPlanDev, jobApplyDev},
		},
		{
			name: "merge production",
			trig: trigger.Context{Kind: trigger.KindMerge, CommitSHA: "abc123def"},
			mode: environment.ModeProduction,
			want: []string{jobBuild, jobPlanDev, jobApplyDev, jobPromoteDevStage, jobPlanStage, jobApplyStage},
		},
		{
			name: "tag dev-only falls back to the merge shape",
			trig: trigger.Context{Kind: trigger.KindTag, CommitSHA: "abc123def", VersionTag: "v1.2.0"},
			mode: environment.ModeDevOnly,
			want: []string{jobBuild, jobPlanDev, jobApplyDev},
		},
		{
			name: "tag production",
			trig: trigger.Context{Kind: trigger.KindTag, CommitSHA: "abc123def", VersionTag: "v1.2.0"},
			mode: environment.ModeProduction,
			want: []string{jobResolve, jobPromoteStageProd, jobPlanProd, jobApproveProd, jobApplyProd},
		},
		{
			name: "manual behaves like a merge",
			trig: trigger.Context{Kind: trigger.KindManual, CommitSHA: "abc123def"},
			mode: environment.ModeDevOnly,
			want: []string{jobBuild, jobPlanDev, jobApplyDev},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			jobs, err := BuildGraph(tt.trig, tt.mode)
			if err != nil {
				t.Fatalf("BuildGraph() error = %v", err)
			}
			got := jobIDs(jobs)
			if len(got) != len(tt.want) {
				t.Fatalf("BuildGraph() = %v, want %v", got, tt.want)
			}
			for i := range got {
				if got[i] != tt.want[i] {
					t.Errorf("job[%d] = %s, want %s", i, got[i], tt.want[i])
				}
			}
		})
	}
}

func TestBuildGraphUnknownKind(t *testing.T) {
	t.Parallel()
	_, err := BuildGraph(trigger.Context{Kind: "cron"}, environment.ModeDevOnly)
	if !errors.Is(err, apperrors.ErrValidation) {
		t.Errorf("BuildGraph() error = %v, want validation error", err)
	}
}

func TestBuildGraphPullRequestIsReportOnly(t *testing.T) {
	t.Parallel()
	jobs, err := BuildGraph(trigger.Context{Kind: trigger.KindPullRequest, CommitSHA: "abc123def"}, environment.ModeProduction)
	if err != nil {
		t.Fatal(err)
	}
	if !jobs[0].ReportOnly {
		t.Error("pull request plan must be report-only")
	}
}

func TestBuildGraphMergeProductionParallelism(t *testing.T) {
	t.Parallel()
	jobs, err := BuildGraph(trigger.Context{Kind: trigger.KindMerge, CommitSHA: "abc123def"}, environment.ModeProduction)
	if err != nil {
		t.Fatal(err)
	}

	byID := make(map[string]*Job, len(jobs))
	for _, j := range jobs {
		byID[j.ID] = j
	}

	// The stage chain hangs off the build, not off the dev apply: dev and
	// stage progress independently once the artifact exists.
	promote := byID[jobPromoteDevStage]
	if len(promote.DependsOn) != 1 || promote.DependsOn[0] != jobBuild {
		t.Errorf("promote-dev-stage depends on %v, want [%s]", promote.DependsOn, jobBuild)
	}

	// Prod never appears on the merge path.
	for _, j := range jobs {
		if j.Environment == environment.Prod || j.Target == environment.Prod {
			t.Errorf("merge graph contains prod job %s", j.ID)
		}
	}
}

func TestBuildGraphTagProductionGate(t *testing.T) {
	t.Parallel()
	jobs, err := BuildGraph(trigger.Context{Kind: trigger.KindTag, CommitSHA: "abc123def", VersionTag: "v1.2.0"}, environment.ModeProduction)
	if err != nil {
		t.Fatal(err)
	}

	byID := make(map[string]*Job, len(jobs))
	for _, j := range jobs {
		byID[j.ID] = j
	}

	// The prod apply is structurally behind the approval gate.
	apply := byID[jobApplyProd]
	if len(apply.DependsOn) != 1 || apply.DependsOn[0] != jobApproveProd {
		t.Errorf("apply-prod depends on %v, want [%s]", apply.DependsOn, jobApproveProd)
	}

	// No build job: the release deploys bytes validated on stage.
	if _, ok := byID[jobBuild]; ok {
		t.Error("tag graph must not rebuild")
	}
}
