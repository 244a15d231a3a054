package pipeline

import (
	"fmt"

	"deployer/internal/apperrors"
	"deployer/internal/environment"
	"deployer/internal/trigger"
)

// Job IDs are stable across runs so operators and events can reference
// stages by name.
const (
	jobBuild            = "build"
	jobResolve          = "resolve-stage"
	jobPlanDev          = "plan-dev"
	jobApplyDev         = "apply-dev"
	jobPromoteDevStage  = "promote-dev-stage"
	jobPlanStage        = "plan-stage"
	jobApplyStage       = "apply-stage"
	jobPromoteStageProd = "promote-stage-prod"
	jobPlanProd         = "plan-prod"
	jobApproveProd      = "approve-prod"
	jobApplyProd        = "apply-prod"
)

// BuildGraph derives the job DAG for a classified trigger under a deployment
// mode. The shape depends on nothing else: same inputs, same graph.
//
//   - Pull requests produce a single report-only plan against dev.
//   - Merges (and manual redeploys) build once, deploy dev, and in
//     production mode fan out a parallel promote/plan/apply chain for stage.
//   - Tags in production mode skip building entirely: they resolve the
//     already-promoted stage digest and carry it to prod behind the
//     approval gate. In dev-only mode there is nowhere to release to, so a
//     tag behaves like a merge.
func BuildGraph(trig trigger.Context, mode environment.Mode) ([]*Job, error) {
	switch trig.Kind {
	case trigger.KindPullRequest:
		return []*Job{
			{ID: jobPlanDev, Stage: StagePlan, Environment: environment.Dev, ReportOnly: true},
		}, nil

	case trigger.KindMerge, trigger.KindManual:
		jobs := []*Job{
			{ID: jobBuild, Stage: StageBuild, Environment: environment.Dev},
			{ID: jobPlanDev, Stage: StagePlan, Environment: environment.Dev, DependsOn: []string{jobBuild}},
			{ID: jobApplyDev, Stage: StageApply, Environment: environment.Dev, DependsOn: []string{jobPlanDev}},
		}
		if mode == environment.ModeProduction {
			jobs = append(jobs,
				&Job{ID: jobPromoteDevStage, Stage: StagePromote, Source: environment.Dev, Target: environment.Stage, DependsOn: []string{jobBuild}},
				&Job{ID: jobPlanStage, Stage: StagePlan, Environment: environment.Stage, DependsOn: []string{jobPromoteDevStage}},
				&Job{ID: jobApplyStage, Stage: StageApply, Environment: environment.Stage, DependsOn: []string{jobPlanStage}},
			)
		}
		return jobs, nil

	case trigger.KindTag:
		if mode == environment.ModeDevOnly {
			return BuildGraph(trigger.Context{
				Kind:      trigger.KindMerge,
				Ref:       trig.Ref,
				CommitSHA: trig.CommitSHA,
			}, mode)
		}
		return []*Job{
			{ID: jobResolve, Stage: StageResolve, Environment: environment.Stage},
			{ID: jobPromoteStageProd, Stage: StagePromote, Source: environment.Stage, Target: environment.Prod, DependsOn: []string{jobResolve}},
			{ID: jobPlanProd, Stage: StagePlan, Environment: environment.Prod, DependsOn: []string{jobPromoteStageProd}},
			{ID: jobApproveProd, Stage: StageApproval, Environment: environment.Prod, DependsOn: []string{jobPlanProd}},
			{ID: jobApplyProd, Stage: StageApply, Environment: environment.Prod, DependsOn: []string{jobApproveProd}},
		}, nil

	default:
		return nil, apperrors.Validation("trigger", fmt.Sprintf("no pipeline defined for trigger kind %q", trig.Kind))
	}
}
