package travel

import (
	"context"
	"fmt"

	"github.com/tourvia/sagaflow/pkg/api"
)

// TemplateGuideAssignment is the registration name of the guide saga.
const TemplateGuideAssignment = "assign_guide"

// GuideAssignmentTemplate builds the guide assignment saga:
//
//	find_candidates
//	→ [check_availability, check_certifications]  (parallel)
//	→ assign_guide
//	→ notify_guide
//
// The assignment step intersects the two vetting results and fails with a
// guide.unavailable event when no candidate passes both. Initial context
// keys: destination, language, days, required_certification (optional).
func GuideAssignmentTemplate(bus Publisher, deps Deps) api.TemplateBuilder {
	return func(workflowID string, _ map[string]any) (api.WorkflowDefinition, error) {
		return api.WorkflowDefinition{
			Name: TemplateGuideAssignment,
			Steps: []api.StepDefinition{
				{
					Name:    "find_candidates",
					Handler: findCandidates(bus, deps.Guides, workflowID),
					Retries: 2,
					Timeout: defaultStepTimeout,
				},
				{
					Name:          "check_availability",
					Handler:       checkGuideAvailability(deps.Guides),
					Timeout:       defaultStepTimeout,
					DependsOn:     []string{"find_candidates"},
					ParallelGroup: "vetting",
				},
				{
					Name:          "check_certifications",
					Handler:       checkCertifications,
					DependsOn:     []string{"find_candidates"},
					ParallelGroup: "vetting",
				},
				{
					Name:       "assign_guide",
					Handler:    assignGuide(bus, deps.Guides, workflowID),
					Compensate: unassignGuide(deps.Guides, workflowID),
					DependsOn:  []string{"check_availability", "check_certifications"},
				},
				{
					Name:      "notify_guide",
					Handler:   notifyGuide(deps.Notifier),
					Retries:   3,
					DependsOn: []string{"assign_guide"},
				},
			},
		}, nil
	}
}

func findCandidates(bus Publisher, guides GuideRoster, wfID string) api.StepFunc {
	return func(ctx context.Context, wctx api.Context) (any, error) {
		destination, _ := ctxString(wctx, "destination")
		language, _ := ctxString(wctx, "language")

		candidates, err := guides.FindCandidates(ctx, destination, language)
		if err != nil {
			return nil, fmt.Errorf("guide candidates for %s: %w", destination, err)
		}
		if len(candidates) == 0 {
			return nil, fmt.Errorf("no guide candidates for %s speaking %s", destination, language)
		}

		publish(ctx, bus, wfID, api.EventGuideRequested, map[string]any{
			"workflow_id": wfID,
			"destination": destination,
			"language":    language,
			"candidates":  len(candidates),
		})
		return candidates, nil
	}
}

func checkGuideAvailability(guides GuideRoster) api.StepFunc {
	return func(ctx context.Context, wctx api.Context) (any, error) {
		candidates, err := stepResult[[]Guide](wctx, "find_candidates")
		if err != nil {
			return nil, err
		}
		days, ok := ctxInt(wctx, "days")
		if !ok || days < 1 {
			days = 1
		}

		available := make(map[string]bool, len(candidates))
		for _, g := range candidates {
			ok, err := guides.CheckAvailability(ctx, g.ID, days)
			if err != nil {
				return nil, fmt.Errorf("availability of guide %s: %w", g.ID, err)
			}
			if ok {
				available[g.ID] = true
			}
		}
		return available, nil
	}
}

func checkCertifications(_ context.Context, wctx api.Context) (any, error) {
	candidates, err := stepResult[[]Guide](wctx, "find_candidates")
	if err != nil {
		return nil, err
	}
	required, _ := ctxString(wctx, "required_certification")

	certified := make(map[string]bool, len(candidates))
	for _, g := range candidates {
		if required == "" {
			certified[g.ID] = true
			continue
		}
		for _, c := range g.Certifications {
			if c == required {
				certified[g.ID] = true
				break
			}
		}
	}
	return certified, nil
}

func assignGuide(bus Publisher, guides GuideRoster, wfID string) api.StepFunc {
	return func(ctx context.Context, wctx api.Context) (any, error) {
		candidates, err := stepResult[[]Guide](wctx, "find_candidates")
		if err != nil {
			return nil, err
		}
		available, err := stepResult[map[string]bool](wctx, "check_availability")
		if err != nil {
			return nil, err
		}
		certified, err := stepResult[map[string]bool](wctx, "check_certifications")
		if err != nil {
			return nil, err
		}

		// First candidate passing both checks wins; candidate order encodes
		// roster preference.
		for _, g := range candidates {
			if !available[g.ID] || !certified[g.ID] {
				continue
			}
			if err := guides.Assign(ctx, g.ID, wfID); err != nil {
				return nil, fmt.Errorf("assigning guide %s: %w", g.ID, err)
			}
			publish(ctx, bus, wfID, api.EventGuideAssigned, map[string]any{
				"workflow_id": wfID,
				"guide_id":    g.ID,
				"guide_name":  g.Name,
			})
			return g, nil
		}

		publish(ctx, bus, wfID, api.EventGuideUnavailable, map[string]any{
			"workflow_id": wfID,
			"candidates":  len(candidates),
		})
		return nil, fmt.Errorf("no available certified guide among %d candidates", len(candidates))
	}
}

func unassignGuide(guides GuideRoster, wfID string) api.CompensateFunc {
	return func(ctx context.Context, wctx api.Context) error {
		g, err := stepResult[Guide](wctx, "assign_guide")
		if err != nil {
			return err
		}
		if err := guides.Unassign(ctx, g.ID, wfID); err != nil {
			return fmt.Errorf("unassigning guide %s: %w", g.ID, err)
		}
		return nil
	}
}

func notifyGuide(notifier Notifier) api.StepFunc {
	return func(ctx context.Context, wctx api.Context) (any, error) {
		g, err := stepResult[Guide](wctx, "assign_guide")
		if err != nil {
			return nil, err
		}
		destination, _ := ctxString(wctx, "destination")

		body := fmt.Sprintf("You have been assigned a tour in %s.", destination)
		if err := notifier.Send(ctx, g.ID, "New tour assignment", body); err != nil {
			return nil, fmt.Errorf("notifying guide %s: %w", g.ID, err)
		}
		return true, nil
	}
}
