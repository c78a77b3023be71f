package intent_test

import (
	"testing"

	"github.com/tandemhq/tandem/gateway-plane/internal/intent"
	"github.com/tandemhq/tandem/gateway-plane/pkg/models"
)

func TestClassify(t *testing.T) {
	cases := []struct {
		text   string
		want   models.IntentKind
		value  string
		value2 string
	}{
		{"cancel", models.IntentCancelFlow, "", ""},
		{"  Cancel  ", models.IntentCancelFlow, "", ""},
		{"help", models.IntentHelp, "", ""},
		{"?", models.IntentHelp, "", ""},
		{"hi", models.IntentRegister, "", ""},
		{"REGISTER", models.IntentRegister, "", ""},
		{"verify AB12cd34", models.IntentVerifyOTP, "ab12cd34", ""},
		{"ab12cd", models.IntentVerifyOTP, "ab12cd", ""},
		{"confirm", models.IntentConfirmOrder, "", ""},
		{"confirm ord_123", models.IntentConfirmOrder, "ord_123", ""},
		{"negotiate ord_9 15000", models.IntentNegotiate, "ord_9", "15000"},
		{"accept counter", models.IntentCounterResponse, "", ""},
		{"order ord_9", models.IntentOrderStatus, "ord_9", ""},
		{"status ord_9", models.IntentOrderStatus, "ord_9", ""},
		{"address", models.IntentAddressView, "", ""},
		{"update address to 12 Main St", models.IntentAddressSet, "12 main st", ""},
		{"upload", models.IntentUploadHelp, "", ""},
		{"bananas", models.IntentUnknown, "", ""},
	}

	for _, c := range cases {
		got := intent.Classify(c.text)
		if got.Kind != c.want {
			t.Errorf("Classify(%q).Kind = %q, want %q", c.text, got.Kind, c.want)
		}
		if got.Value != c.value {
			t.Errorf("Classify(%q).Value = %q, want %q", c.text, got.Value, c.value)
		}
		if got.Value2 != c.value2 {
			t.Errorf("Classify(%q).Value2 = %q, want %q", c.text, got.Value2, c.value2)
		}
	}
}

func TestClassify_VerifyBareRejectsWrongLength(t *testing.T) {
	// Codes are exactly 6 or 8 characters; a length-7 code must not match.
	if got := intent.Classify("ab12cde"); got.Kind == models.IntentVerifyOTP {
		t.Errorf("Classify(%q).Kind = VerifyOTP, want not VerifyOTP (7-char code)", "ab12cde")
	}
	if got := intent.Classify("verify ab12cde"); got.Kind == models.IntentVerifyOTP {
		t.Errorf("Classify(%q).Kind = VerifyOTP, want not VerifyOTP (7-char code)", "verify ab12cde")
	}
}

func TestClassify_CounterResponseAcceptFlag(t *testing.T) {
	if got := intent.Classify("accept offer"); !got.Accept {
		t.Error("Classify(\"accept offer\").Accept = false, want true")
	}
	if got := intent.Classify("reject offer"); got.Accept {
		t.Error("Classify(\"reject offer\").Accept = true, want false")
	}
}

func TestClassify_LowPriorityPatternsDoNotShadowHigherOnes(t *testing.T) {
	// "cancel" must win even though, as six alphabet characters, it would
	// otherwise match the bare-code VERIFY_OTP form.
	if got := intent.Classify("cancel"); got.Kind != models.IntentCancelFlow {
		t.Errorf("Classify(\"cancel\").Kind = %q, want CancelFlow", got.Kind)
	}
}
