package outlook

import (
	"errors"

	"github.com/microsoftgraph/msgraph-sdk-go/models/odataerrors"

	"github.com/Martian-dev/ai-brain-mailagent/internal/providers"
)

// classify maps a Graph failure onto providers.Error
func classify(op string, err error) error {
	var pe *providers.Error
	if errors.As(err, &pe) {
		return err
	}

	var odataErr *odataerrors.ODataError
	if errors.As(err, &odataErr) {
		rate := false
		if main := odataErr.GetErrorEscaped(); main != nil && main.GetCode() != nil {
			switch *main.GetCode() {
			case "TooManyRequests", "ApplicationThrottled", "MailboxConcurrency":
				rate = true
			}
		}
		return providers.Classify(op, odataErr.ResponseStatusCode, rate, err)
	}
	return providers.Classify(op, 0, false, err)
}
