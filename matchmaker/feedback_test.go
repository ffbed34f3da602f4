package matchmaker

import (
	"encoding/json"
	"reflect"
	"testing"
)

func TestFeedbackWireShapes(t *testing.T) {
	cases := []struct {
		name string
		fb   Feedback
		want string
	}{
		{"acknowledged", Acknowledged{}, `{"Acknowledged":null}`},
		{"accepted", SessionRequestAccepted{SessionID: "abc-S"}, `{"SessionRequestAccepted":"abc-S"}`},
		{"progress", ProgressReport{Message: "Deploying (3)"}, `{"ProgressReport":"Deploying (3)"}`},
		{"error", ErrorFeedback{Code: 408, Message: "session still not ready, timed out."},
			`{"Error":[408,"session still not ready, timed out."]}`},
		{"ready", SessionReady{Token: "dG9r", IP: "9.9.9.9", Port: 31500, CertDigest: "aabb"},
			`{"SessionReady":{"token":"dG9r","ip":"9.9.9.9","port":31500,"cert_digest":"aabb"}}`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := json.Marshal(tc.fb)
			if err != nil {
				t.Fatalf("marshal: %v", err)
			}
			if string(got) != tc.want {
				t.Fatalf("got %s, want %s", got, tc.want)
			}

			parsed, err := ParseFeedback(got)
			if err != nil {
				t.Fatalf("parse: %v", err)
			}
			if !reflect.DeepEqual(parsed, tc.fb) {
				t.Fatalf("roundtrip %#v, want %#v", parsed, tc.fb)
			}
		})
	}
}

func TestParseFeedbackRejectsBadInput(t *testing.T) {
	for _, raw := range []string{
		`not json`,
		`{}`,
		`{"Acknowledged":null,"ProgressReport":"x"}`,
		`{"NoSuchVariant":1}`,
		`{"Error":[408]}`,
	} {
		if _, err := ParseFeedback([]byte(raw)); err == nil {
			t.Errorf("ParseFeedback(%s) succeeded, want error", raw)
		}
	}
}

func TestErrorFeedbackIsAnError(t *testing.T) {
	var err error = ErrorFeedback{Code: 503, Message: "unknown error"}
	if err.Error() != "session request error 503: unknown error" {
		t.Fatalf("unexpected error string %q", err.Error())
	}
}
