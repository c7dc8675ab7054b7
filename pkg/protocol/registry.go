package protocol

import "fmt"

type commandParser func(data []byte) (Command, error)

type replyParser func(data []byte) (Reply, error)

func noData(c Command) commandParser {
	return func([]byte) (Command, error) { return c, nil }
}

var commandParsers = map[byte]commandParser{
	CmdPoll:   noData(PollCommand{}),
	CmdID:     noData(IDCommand{}),
	CmdCap:    noData(CapCommand{}),
	CmdLStat:  noData(LocalStatusCommand{}),
	CmdIStat:  noData(InputStatusCommand{}),
	CmdOStat:  noData(OutputStatusCommand{}),
	CmdRStat:  noData(ReaderStatusCommand{}),
	CmdOut:    parseOutput,
	CmdLED:    parseLED,
	CmdBuz:    parseBuzzer,
	CmdText:   parseText,
	CmdComSet: parseComSet,
	CmdKeySet: parseKeySet,
	CmdMfg:    parseMfg,
	CmdChlng:  parseChallenge,
	CmdSCrypt: parseServerCryptogram,
	CmdXWR:    parseXWR,
}

var replyParsers = map[byte]replyParser{
	ReplyAck:    parseAck,
	ReplyNak:    parseNak,
	ReplyBusy:   parseBusy,
	ReplyPDID:   parsePDID,
	ReplyPDCap:  parsePDCap,
	ReplyLStatR: parseLocalStatus,
	ReplyIStatR: parseInputStatus,
	ReplyOStatR: parseOutputStatus,
	ReplyRStatR: parseReaderStatus,
	ReplyRaw:    parseCardRead,
	ReplyFmt:    parseFormattedCard,
	ReplyKeypad: parseKeypad,
	ReplyCom:    parseComSettings,
	ReplyMfgRep: parseMfgReply,
	ReplyCCrypt: parseClientCryptogram,
	ReplyRMACI:  parseInitialRMAC,
	ReplyXRD:    parseXRD,
}

// EncodeCommand validates a command and returns its code followed by its data
func EncodeCommand(c Command) ([]byte, error) {
	if c == nil {
		return nil, fmt.Errorf("%w: nil command", ErrUnknownCommand)
	}
	data, err := c.MarshalData()
	if err != nil {
		return nil, err
	}
	return append([]byte{c.Code()}, data...), nil
}

// ValidateCommand reports whether a command can be encoded
func ValidateCommand(c Command) error {
	_, err := EncodeCommand(c)
	return err
}

// DecodeCommand parses command data received by a PD
func DecodeCommand(code byte, data []byte) (Command, error) {
	parse, ok := commandParsers[code]
	if !ok {
		return nil, fmt.Errorf("%w: 0x%02x", ErrUnknownCommand, code)
	}
	return parse(data)
}

// EncodeReply validates a reply and returns its code followed by its data
func EncodeReply(r Reply) ([]byte, error) {
	if r == nil {
		return nil, fmt.Errorf("%w: nil reply", ErrUnknownReply)
	}
	data, err := r.MarshalData()
	if err != nil {
		return nil, err
	}
	return append([]byte{r.Code()}, data...), nil
}

// DecodeReply parses reply data. Unknown codes yield a *ReplyError of kind UnknownType.
func DecodeReply(code byte, data []byte) (Reply, error) {
	parse, ok := replyParsers[code]
	if !ok {
		return nil, &ReplyError{Kind: UnknownType, Code: code}
	}
	return parse(data)
}
