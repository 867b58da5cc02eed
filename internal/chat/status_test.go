package chat

import "testing"

func TestCanAdvanceTo(t *testing.T) {
	tests := []struct {
		from, to DeliveryStatus
		want     bool
	}{
		{StatusSending, StatusSent, true},
		{StatusSending, StatusDelivered, true},
		{StatusSent, StatusDelivered, true},
		{StatusDelivered, StatusRead, true},
		{StatusSending, StatusFailed, true},
		{StatusSent, StatusSent, false},
		{StatusDelivered, StatusSent, false},
		{StatusRead, StatusDelivered, false},
		{StatusSent, StatusFailed, false},
		{StatusFailed, StatusSent, false},
		{StatusFailed, StatusSending, false},
	}
	for _, tt := range tests {
		t.Run(string(tt.from)+"->"+string(tt.to), func(t *testing.T) {
			if got := tt.from.CanAdvanceTo(tt.to); got != tt.want {
				t.Errorf("CanAdvanceTo() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestParseStatusDefaultsToSent(t *testing.T) {
	for _, v := range []string{"", "bogus", "failed"} {
		if got := ParseStatus(v); got != StatusSent {
			t.Errorf("ParseStatus(%q) = %s, want sent", v, got)
		}
	}
	if got := ParseStatus("read"); got != StatusRead {
		t.Errorf("ParseStatus(read) = %s", got)
	}
}
