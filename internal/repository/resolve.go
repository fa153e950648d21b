package repository

import (
	"context"

	"github.com/extractops/fieldtune/internal/optimizer"
)

// ResolveCurrentPrompts fills empty CurrentPrompt fields from the latest
// stored prompt version, so a queued request may reference fields by key
// alone. Fields with no stored version are left empty for the caller to
// reject or handle.
func ResolveCurrentPrompts(ctx context.Context, repo PromptVersionRepository, fields []optimizer.FieldSpec) error {
	for i := range fields {
		if fields[i].CurrentPrompt != "" {
			continue
		}
		v, err := repo.Current(ctx, fields[i].Key)
		if err != nil {
			return err
		}
		if v != nil {
			fields[i].CurrentPrompt = v.Body
		}
	}
	return nil
}
