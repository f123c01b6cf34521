package icingadb

import (
	"github.com/stretchr/testify/require"
	"testing"
	"time"
)

func TestEvaluateHA(t *testing.T) {
	now := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
	fresh := now.Add(-10 * time.Second)
	expired := now.Add(-2 * time.Minute)

	subtests := []struct {
		name             string
		otherHeartbeat   *time.Time
		responsible      bool
		takeover         bool
		otherResponsible bool
	}{
		{name: "alone", takeover: true},
		{name: "alone-responsible", responsible: true},
		{name: "other-active", otherHeartbeat: &fresh, otherResponsible: true},
		{name: "other-active-while-responsible", otherHeartbeat: &fresh, responsible: true, otherResponsible: true},
		{name: "other-expired", otherHeartbeat: &expired, takeover: true},
	}

	for _, st := range subtests {
		t.Run(st.name, func(t *testing.T) {
			takeover, otherResponsible := evaluateHA(st.otherHeartbeat, now, 65*time.Second, st.responsible)
			require.Equal(t, st.takeover, takeover != "")
			require.Equal(t, st.otherResponsible, otherResponsible)
		})
	}
}
