package classifier_test

import (
	"reflect"
	"testing"

	"github.com/nudgebot/nudgebot/internal/classifier"
)

func TestParsePaymentVerdict(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		input   string
		want    classifier.PaymentVerdict
		wantErr bool
	}{
		{
			name:  "positive with amount",
			input: `{"is_request": true, "amount": 2500}`,
			want:  classifier.PaymentVerdict{IsRequest: true, Amount: 2500},
		},
		{
			name:  "negative",
			input: `{"is_request": false, "amount": 0}`,
			want:  classifier.PaymentVerdict{},
		},
		{
			name:  "negative amount clamped to zero",
			input: `{"is_request": true, "amount": -100}`,
			want:  classifier.PaymentVerdict{IsRequest: true},
		},
		{
			name:    "malformed JSON",
			input:   `not json`,
			wantErr: true,
		},
		{
			name:    "wrong shape",
			input:   `{"is_request": "yes"}`,
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			got, err := classifier.ParsePaymentVerdict(tt.input)
			if tt.wantErr {
				if err == nil {
					t.Fatal("expected error, got nil")
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if *got != tt.want {
				t.Errorf("got %+v, want %+v", *got, tt.want)
			}
		})
	}
}

func TestParseQuestionVerdict(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		input   string
		want    classifier.QuestionVerdict
		wantErr bool
	}{
		{
			name:  "specific targets",
			input: `{"is_question": true, "targets_everyone": false, "target_ids": ["101", "102"], "normalized_text": "When is the trip?"}`,
			want: classifier.QuestionVerdict{
				IsQuestion:     true,
				Targets:        []int64{101, 102},
				NormalizedText: "When is the trip?",
			},
		},
		{
			name:  "everyone",
			input: `{"is_question": true, "targets_everyone": true, "target_ids": [], "normalized_text": "Who is coming?"}`,
			want: classifier.QuestionVerdict{
				IsQuestion:      true,
				TargetsEveryone: true,
				NormalizedText:  "Who is coming?",
			},
		},
		{
			name:  "not a question drops everything",
			input: `{"is_question": false, "targets_everyone": false, "target_ids": ["101"], "normalized_text": "hello"}`,
			want:  classifier.QuestionVerdict{},
		},
		{
			name:  "invalid target ids fall back to everyone",
			input: `{"is_question": true, "targets_everyone": false, "target_ids": ["abc", "0"], "normalized_text": "Anyone?"}`,
			want: classifier.QuestionVerdict{
				IsQuestion:      true,
				TargetsEveryone: true,
				NormalizedText:  "Anyone?",
			},
		},
		{
			name:    "malformed JSON",
			input:   `{`,
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			got, err := classifier.ParseQuestionVerdict(tt.input)
			if tt.wantErr {
				if err == nil {
					t.Fatal("expected error, got nil")
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if !reflect.DeepEqual(*got, tt.want) {
				t.Errorf("got %+v, want %+v", *got, tt.want)
			}
		})
	}
}

func TestParseSuggestions(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		input   string
		want    []string
		wantErr bool
	}{
		{
			name:  "exactly four",
			input: `["Yes", "No", "Maybe", "Later"]`,
			want:  []string{"Yes", "No", "Maybe", "Later"},
		},
		{
			name:  "too many truncated",
			input: `["a", "b", "c", "d", "e", "f"]`,
			want:  []string{"a", "b", "c", "d"},
		},
		{
			name:  "short padded from fallbacks",
			input: `["Only one"]`,
			want:  []string{"Only one", "Sounds good!", "Sorry, that doesn't work for me.", "Let me get back to you on that."},
		},
		{
			name:  "blank entries dropped",
			input: `["", "  ", "Yes", "No", "Maybe", "Later"]`,
			want:  []string{"Yes", "No", "Maybe", "Later"},
		},
		{
			name:    "all blank",
			input:   `["", ""]`,
			wantErr: true,
		},
		{
			name:    "malformed JSON",
			input:   `{"not": "array"}`,
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			got, err := classifier.ParseSuggestions(tt.input)
			if tt.wantErr {
				if err == nil {
					t.Fatal("expected error, got nil")
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if !reflect.DeepEqual(got, tt.want) {
				t.Errorf("got %v, want %v", got, tt.want)
			}
			if len(got) != 4 {
				t.Errorf("got %d suggestions, want 4", len(got))
			}
		})
	}
}
