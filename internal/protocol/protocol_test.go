package protocol

import (
	"testing"
)

func TestParseCommand(t *testing.T) {
	tests := []struct {
		name     string
		line     string
		wantCmd  string
		wantArgs []string
	}{
		{"simple", "PING SN0001", "PING", []string{"SN0001"}},
		{"lowercase normalised", "read_temp SN0002", "READ_TEMP", []string{"SN0002"}},
		{"extra whitespace", "  SET_TEMP   SN1   42.5  ", "SET_TEMP", []string{"SN1", "42.5"}},
		{"empty", "", "", nil},
		{"whitespace only", "   \t ", "", nil},
		{"no args", "ping", "PING", []string{}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cmd, args := ParseCommand(tt.line)
			if cmd != tt.wantCmd {
				t.Errorf("cmd = %q, want %q", cmd, tt.wantCmd)
			}
			if len(args) != len(tt.wantArgs) {
				t.Fatalf("args = %v, want %v", args, tt.wantArgs)
			}
			for i := range args {
				if args[i] != tt.wantArgs[i] {
					t.Errorf("args[%d] = %q, want %q", i, args[i], tt.wantArgs[i])
				}
			}
		})
	}
}

func TestEncodeDecodeRoundTrip(t *testing.T) {
	resp := OK(map[string]any{"sn": "SN0001", "temp_c": 25.5}, CmdReadTemp)

	wire, err := Encode(resp)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	if wire[len(wire)-1] != '\n' {
		t.Error("encoded response must be newline-terminated")
	}

	got, err := Decode(wire[:len(wire)-1])
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if !got.OK {
		t.Error("ok = false after round trip")
	}
	if got.ErrorCode != nil {
		t.Errorf("error_code = %v, want nil", *got.ErrorCode)
	}
	if got.Data["sn"] != "SN0001" {
		t.Errorf("data.sn = %v", got.Data["sn"])
	}
	if got.Meta == nil || got.Meta.Cmd != CmdReadTemp {
		t.Errorf("meta = %+v, want cmd %s", got.Meta, CmdReadTemp)
	}
}

func TestErrResponseShape(t *testing.T) {
	resp := Err(ErrBadArgs, "PING requires 1 argument: <sn>", CmdPing)

	if resp.OK {
		t.Error("error response must have ok=false")
	}
	if resp.Code() != ErrBadArgs {
		t.Errorf("code = %q, want %q", resp.Code(), ErrBadArgs)
	}
	if len(resp.Data) != 0 {
		t.Errorf("error response data must be empty, got %v", resp.Data)
	}
}

func TestOKImpliesNilErrorCode(t *testing.T) {
	resp := OK(nil, CmdPing)
	if resp.ErrorCode != nil {
		t.Error("ok=true must carry error_code=null")
	}
	if resp.Code() != "" {
		t.Errorf("Code() = %q, want empty", resp.Code())
	}
}
