package web

import (
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/dbehnke/osdp-nexus/pkg/protocol"
)

// CommandRequest is the JSON form of a PD command. Field names follow the
// snake_case command dictionaries common to OSDP tooling, e.g.
//
//	{"command":"output","output_no":0,"control_code":1,"timer_count":10}
type CommandRequest struct {
	Command     string `json:"command"`
	Reader      int    `json:"reader"`
	OutputNo    int    `json:"output_no"`
	LEDNumber   int    `json:"led_number"`
	ControlCode int    `json:"control_code"`
	TimerCount  int    `json:"timer_count"`
	Temporary   bool   `json:"temporary"`
	OnCount     int    `json:"on_count"`
	OffCount    int    `json:"off_count"`
	OnColor     int    `json:"on_color"`
	OffColor    int    `json:"off_color"`
	RepCount    int    `json:"rep_count"`
	TempTime    int    `json:"temp_time"`
	OffsetRow   int    `json:"offset_row"`
	OffsetCol   int    `json:"offset_col"`
	Address     int    `json:"address"`
	BaudRate    int    `json:"baud_rate"`
	Type        int    `json:"type"`
	VendorCode  uint32 `json:"vendor_code"`
	MfgCommand  int    `json:"mfg_command"`
	// Mode and PCommand select the "xwr" operation
	Mode       int `json:"mode"`
	PCommand   int `json:"pcmnd"`
	NewMode    int `json:"new_mode"`
	ModeConfig int `json:"mode_config"`
	// Data is display text for "text" and hex for "keyset", "mfg" and "xwr"
	Data string `json:"data"`
}

// ToCommand converts the request into a typed command. Field ranges are
// checked later when the command is queued.
func (r CommandRequest) ToCommand() (protocol.Command, error) {
	switch strings.ToLower(r.Command) {
	case "output":
		return protocol.OutputCommand{OutputNo: r.OutputNo, ControlCode: r.ControlCode, TimerCount: r.TimerCount}, nil
	case "led":
		return protocol.LEDCommand{
			Reader:      r.Reader,
			LEDNumber:   r.LEDNumber,
			Temporary:   r.Temporary,
			ControlCode: r.ControlCode,
			OnCount:     r.OnCount,
			OffCount:    r.OffCount,
			OnColor:     r.OnColor,
			OffColor:    r.OffColor,
			TimerCount:  r.TimerCount,
		}, nil
	case "buzzer":
		return protocol.BuzzerCommand{
			Reader:      r.Reader,
			ControlCode: r.ControlCode,
			OnCount:     r.OnCount,
			OffCount:    r.OffCount,
			RepeatCount: r.RepCount,
		}, nil
	case "text":
		return protocol.TextCommand{
			Reader:      r.Reader,
			ControlCode: r.ControlCode,
			TempTime:    r.TempTime,
			OffsetRow:   r.OffsetRow,
			OffsetCol:   r.OffsetCol,
			Data:        r.Data,
		}, nil
	case "comset":
		return protocol.ComSetCommand{Address: r.Address, BaudRate: r.BaudRate}, nil
	case "keyset":
		key, err := hex.DecodeString(r.Data)
		if err != nil {
			return nil, fmt.Errorf("keyset data: %w", err)
		}
		return protocol.KeySetCommand{Type: r.Type, Key: key}, nil
	case "mfg":
		data, err := hex.DecodeString(r.Data)
		if err != nil {
			return nil, fmt.Errorf("mfg data: %w", err)
		}
		return protocol.MfgCommand{VendorCode: r.VendorCode, Command: r.MfgCommand, Data: data}, nil
	case "xwr":
		apdu, err := hex.DecodeString(r.Data)
		if err != nil {
			return nil, fmt.Errorf("xwr data: %w", err)
		}
		if len(apdu) == 0 {
			apdu = nil
		}
		return protocol.XWRCommand{
			Op:         protocol.XWROp(r.Mode<<8 | r.PCommand),
			Reader:     r.Reader,
			NewMode:    r.NewMode,
			ModeConfig: r.ModeConfig,
			APDU:       apdu,
		}, nil
	case "id":
		return protocol.IDCommand{}, nil
	case "cap":
		return protocol.CapCommand{}, nil
	case "lstat":
		return protocol.LocalStatusCommand{}, nil
	case "istat":
		return protocol.InputStatusCommand{}, nil
	case "ostat":
		return protocol.OutputStatusCommand{}, nil
	case "rstat":
		return protocol.ReaderStatusCommand{}, nil
	case "":
		return nil, fmt.Errorf("command is required")
	default:
		return nil, fmt.Errorf("unknown command %q", r.Command)
	}
}
