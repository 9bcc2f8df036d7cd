package gmail

import (
	"errors"

	"google.golang.org/api/googleapi"

	"github.com/Martian-dev/ai-brain-mailagent/internal/providers"
)

// classify maps a Google API failure onto providers.Error
func classify(op string, err error) error {
	var pe *providers.Error
	if errors.As(err, &pe) {
		return err
	}

	var apiErr *googleapi.Error
	if errors.As(err, &apiErr) {
		return providers.Classify(op, apiErr.Code, rateLimited(apiErr), err)
	}
	return providers.Classify(op, 0, false, err)
}

func rateLimited(e *googleapi.Error) bool {
	for _, item := range e.Errors {
		switch item.Reason {
		case "rateLimitExceeded", "userRateLimitExceeded", "quotaExceeded":
			return true
		}
	}
	return false
}
