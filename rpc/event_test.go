package rpc

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func int32p(v int32) *int32 { return &v }

func TestResolveExitCode(t *testing.T) {
	for _, tc := range []struct {
		name string
		end  ProcessEnd
		want int32
	}{
		{
			name: "explicit code wins",
			end:  ProcessEnd{Exited: true, Status: "exit status 0", ExitCode: int32p(7)},
			want: 7,
		},
		{
			name: "explicit zero",
			end:  ProcessEnd{Exited: true, ExitCode: int32p(0)},
			want: 0,
		},
		{
			name: "parsed from status string",
			end:  ProcessEnd{Exited: true, Status: "exit status 3"},
			want: 3,
		},
		{
			name: "unparseable status",
			end:  ProcessEnd{Exited: false, Status: "killed"},
			want: ExitCodeSentinel,
		},
		{
			name: "empty end",
			end:  ProcessEnd{},
			want: ExitCodeSentinel,
		},
		{
			name: "status with trailing garbage",
			end:  ProcessEnd{Status: "exit status abc"},
			want: ExitCodeSentinel,
		},
	} {
		t.Run(tc.name, func(t *testing.T) {
			require.Equal(t, tc.want, tc.end.ResolveExitCode())
		})
	}
}
