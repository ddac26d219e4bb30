package obligation

import (
	"context"
	"fmt"

	"github.com/nudgebot/nudgebot/internal/database"
)

// detectResponses marks targets as responded when they have posted in the
// question's group after the question was asked. Any group activity counts
// as an answer; the detector does not judge relevance.
func (s *Service) detectResponses(ctx context.Context, question *database.Question) error {
	unresponded, err := s.store.UnrespondedTargets(ctx, question.ID)
	if err != nil {
		return fmt.Errorf("failed to load unresponded targets for question %d: %w", question.ID, err)
	}
	if len(unresponded) == 0 {
		return nil
	}

	actorIDs := make([]int64, 0, len(unresponded))
	for _, t := range unresponded {
		actorIDs = append(actorIDs, t.TargetID)
	}

	responders, err := s.store.RespondersSince(ctx, question.GroupID, actorIDs, question.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to detect responders for question %d: %w", question.ID, err)
	}
	if len(responders) == 0 {
		return nil
	}

	updated, err := s.store.MarkTargetsResponded(ctx, question.ID, responders, s.clock.Now())
	if err != nil {
		return fmt.Errorf("failed to mark responders for question %d: %w", question.ID, err)
	}
	if updated > 0 {
		s.log.InfoContext(ctx, "Question targets responded",
			"question_id", question.ID, "responded", updated)
	}
	return nil
}

// resolveIfAnswered resolves the question once no unresponded target
// remains. Reports whether the question is now resolved.
func (s *Service) resolveIfAnswered(ctx context.Context, question *database.Question) (bool, error) {
	unresponded, err := s.store.UnrespondedTargets(ctx, question.ID)
	if err != nil {
		return false, fmt.Errorf("failed to load unresponded targets for question %d: %w", question.ID, err)
	}
	if len(unresponded) > 0 {
		return false, nil
	}

	transitioned, err := s.store.ResolveQuestion(ctx, question.ID, s.clock.Now())
	if err != nil {
		return false, fmt.Errorf("failed to resolve question %d: %w", question.ID, err)
	}
	if transitioned {
		s.log.InfoContext(ctx, "Question resolved", "question_id", question.ID)
	}
	return true, nil
}
