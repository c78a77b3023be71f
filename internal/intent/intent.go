// Package intent classifies inbound text into a structured Intent via a
// deterministic, first-match-wins rule table. No machine learning, no
// external calls — every rule is a plain regular expression so the
// dispatcher's behavior is fully predictable and testable.
package intent

import (
	"regexp"
	"strings"

	"github.com/tandemhq/tandem/gateway-plane/pkg/models"
)

var (
	reRegister        = regexp.MustCompile(`^(register|start|hi|hello|hey|begin)$`)
	reVerifyWord       = regexp.MustCompile(`^verify\s+([A-Za-z0-9!@#$%^&*]{6}|[A-Za-z0-9!@#$%^&*]{8})$`)
	reVerifyBare       = regexp.MustCompile(`^([A-Za-z0-9!@#$%^&*]{6}|[A-Za-z0-9!@#$%^&*]{8})$`)
	reConfirm          = regexp.MustCompile(`^confirm(?:\s+(\S+))?$`)
	reNegotiate        = regexp.MustCompile(`^negotiate\s+(\S+)\s+(\d+)$`)
	reCounterResponse  = regexp.MustCompile(`^(accept|reject)\s+(counter|offer)$`)
	reOrderStatus      = regexp.MustCompile(`^(?:order|status)\s+(\S+)$`)
	reAddressSet       = regexp.MustCompile(`^update address to (.+)$`)
)

// Classify applies the priority table to a case-folded, trimmed inbound
// text body. Media and postback events never reach this function — the
// caller short-circuits to MediaReceipt / the postback's own payload
// before classification.
func Classify(text string) models.Intent {
	t := strings.ToLower(strings.TrimSpace(text))

	switch {
	case t == "cancel":
		return models.Intent{Kind: models.IntentCancelFlow}

	case t == "help" || t == "?":
		return models.Intent{Kind: models.IntentHelp}

	case reRegister.MatchString(t):
		return models.Intent{Kind: models.IntentRegister}

	case reVerifyWord.MatchString(t):
		m := reVerifyWord.FindStringSubmatch(t)
		return models.Intent{Kind: models.IntentVerifyOTP, Value: m[1]}

	case reConfirm.MatchString(t):
		m := reConfirm.FindStringSubmatch(t)
		return models.Intent{Kind: models.IntentConfirmOrder, Value: m[1]}

	case reNegotiate.MatchString(t):
		m := reNegotiate.FindStringSubmatch(t)
		return models.Intent{Kind: models.IntentNegotiate, Value: m[1], Value2: m[2]}

	case reCounterResponse.MatchString(t):
		m := reCounterResponse.FindStringSubmatch(t)
		return models.Intent{Kind: models.IntentCounterResponse, Accept: m[1] == "accept"}

	case reOrderStatus.MatchString(t):
		m := reOrderStatus.FindStringSubmatch(t)
		return models.Intent{Kind: models.IntentOrderStatus, Value: m[1]}

	case t == "address":
		return models.Intent{Kind: models.IntentAddressView}

	case reAddressSet.MatchString(t):
		m := reAddressSet.FindStringSubmatch(t)
		return models.Intent{Kind: models.IntentAddressSet, Value: m[1]}

	case t == "upload":
		return models.Intent{Kind: models.IntentUploadHelp}

	// The bare-code form is tried last so a command word that happens to
	// be 6 or 8 alphabet characters ("upload") keeps its own intent.
	case reVerifyBare.MatchString(t):
		return models.Intent{Kind: models.IntentVerifyOTP, Value: t}

	default:
		return models.Intent{Kind: models.IntentUnknown}
	}
}
