package protocol

// Frame layout
const (
	SOM          byte = 0x53 // Start of message
	MarkByte     byte = 0xFF // Optional line-idle mark preceding SOM
	ReplyFlag    byte = 0x80 // Set in the address byte of PD -> CP frames
	AddressMask  byte = 0x7F
	MaxAddress        = 0x7E // 0x7F is broadcast
	Broadcast    byte = 0x7F
	HeaderLength      = 5 // SOM, ADDR, LEN_LSB, LEN_MSB, CTRL

	MaxFrameLength = 1440 // Upper bound on LEN accepted by the decoder
	CRCLength      = 2
	ChecksumLength = 1
	MACLength      = 4 // Truncated MAC carried on the wire
)

// CTRL byte bits
const (
	CtrlSequenceMask byte = 0x03
	CtrlCRC          byte = 0x04 // 1 = CRC-16 trailer, 0 = 8-bit checksum
	CtrlSCB          byte = 0x08 // Security control block present
)

// Command codes (CP -> PD)
const (
	CmdPoll     byte = 0x60
	CmdID       byte = 0x61
	CmdCap      byte = 0x62
	CmdDiag     byte = 0x63
	CmdLStat    byte = 0x64
	CmdIStat    byte = 0x65
	CmdOStat    byte = 0x66
	CmdRStat    byte = 0x67
	CmdOut      byte = 0x68
	CmdLED      byte = 0x69
	CmdBuz      byte = 0x6A
	CmdText     byte = 0x6B
	CmdRMode    byte = 0x6C
	CmdTDSet    byte = 0x6D
	CmdComSet   byte = 0x6E
	CmdData     byte = 0x6F
	CmdXmit     byte = 0x70
	CmdPrompt   byte = 0x71
	CmdSPE      byte = 0x72
	CmdBioRead  byte = 0x73
	CmdBioMatch byte = 0x74
	CmdKeySet   byte = 0x75
	CmdChlng    byte = 0x76
	CmdSCrypt   byte = 0x77
	CmdCont     byte = 0x79
	CmdAbort    byte = 0x7A
	CmdMaxReply byte = 0x7B
	CmdMfg      byte = 0x80
	CmdSCDone   byte = 0xA0
	CmdXWR      byte = 0xA1
)

// Reply codes (PD -> CP)
const (
	ReplyAck       byte = 0x40
	ReplyNak       byte = 0x41
	ReplyPDID      byte = 0x45
	ReplyPDCap     byte = 0x46
	ReplyLStatR    byte = 0x48
	ReplyIStatR    byte = 0x49
	ReplyOStatR    byte = 0x4A
	ReplyRStatR    byte = 0x4B
	ReplyRaw       byte = 0x50
	ReplyFmt       byte = 0x51
	ReplyPres      byte = 0x52
	ReplyKeypad    byte = 0x53
	ReplyCom       byte = 0x54
	ReplySCRep     byte = 0x55
	ReplySPER      byte = 0x56
	ReplyBioReadR  byte = 0x57
	ReplyBioMatchR byte = 0x58
	ReplyCCrypt    byte = 0x76
	ReplyRMACI     byte = 0x78
	ReplyBusy      byte = 0x79
	ReplyMfgRep    byte = 0x90
	ReplyXRD       byte = 0xB1
)

// Security block types
const (
	SCS11 byte = 0x11 // CHLNG, CP -> PD
	SCS12 byte = 0x12 // CCRYPT, PD -> CP
	SCS13 byte = 0x13 // SCRYPT, CP -> PD
	SCS14 byte = 0x14 // R-MAC-I, PD -> CP
	SCS15 byte = 0x15 // MAC, no data encryption, CP -> PD
	SCS16 byte = 0x16 // MAC, no data encryption, PD -> CP
	SCS17 byte = 0x17 // MAC + encrypted data, CP -> PD
	SCS18 byte = 0x18 // MAC + encrypted data, PD -> CP
)

// PD capability function codes
const (
	CapContactStatusMonitoring byte = 1
	CapOutputControl           byte = 2
	CapCardDataFormat          byte = 3
	CapReaderLEDControl        byte = 4
	CapReaderAudibleOutput     byte = 5
	CapReaderTextOutput        byte = 6
	CapTimeKeeping             byte = 7
	CapCheckCharacterSupport   byte = 8
	CapCommunicationSecurity   byte = 9
	CapReceiveBufferSize       byte = 10
	CapLargestCombinedMessage  byte = 11
	CapSmartCardSupport        byte = 12
	CapReaders                 byte = 13
	CapBiometrics              byte = 14
)

var commandNames = map[byte]string{
	CmdPoll: "POLL", CmdID: "ID", CmdCap: "CAP", CmdDiag: "DIAG",
	CmdLStat: "LSTAT", CmdIStat: "ISTAT", CmdOStat: "OSTAT", CmdRStat: "RSTAT",
	CmdOut: "OUT", CmdLED: "LED", CmdBuz: "BUZ", CmdText: "TEXT",
	CmdRMode: "RMODE", CmdTDSet: "TDSET", CmdComSet: "COMSET", CmdData: "DATA",
	CmdXmit: "XMIT", CmdPrompt: "PROMPT", CmdSPE: "SPE", CmdBioRead: "BIOREAD",
	CmdBioMatch: "BIOMATCH", CmdKeySet: "KEYSET", CmdChlng: "CHLNG", CmdSCrypt: "SCRYPT",
	CmdCont: "CONT", CmdAbort: "ABORT", CmdMaxReply: "MAXREPLY", CmdMfg: "MFG",
	CmdSCDone: "SCDONE", CmdXWR: "XWR",
}

var replyNames = map[byte]string{
	ReplyAck: "ACK", ReplyNak: "NAK", ReplyPDID: "PDID", ReplyPDCap: "PDCAP",
	ReplyLStatR: "LSTATR", ReplyIStatR: "ISTATR", ReplyOStatR: "OSTATR", ReplyRStatR: "RSTATR",
	ReplyRaw: "RAW", ReplyFmt: "FMT", ReplyPres: "PRES", ReplyKeypad: "KEYPAD",
	ReplyCom: "COM", ReplySCRep: "SCREP", ReplySPER: "SPER", ReplyBioReadR: "BIOREADR",
	ReplyBioMatchR: "BIOMATCHR", ReplyCCrypt: "CCRYPT", ReplyRMACI: "RMAC_I", ReplyBusy: "BUSY",
	ReplyMfgRep: "MFGREP", ReplyXRD: "XRD",
}

// CommandName returns the mnemonic for a command code
func CommandName(code byte) string {
	if name, ok := commandNames[code]; ok {
		return name
	}
	return "UNKNOWN"
}

// ReplyName returns the mnemonic for a reply code
func ReplyName(code byte) string {
	if name, ok := replyNames[code]; ok {
		return name
	}
	return "UNKNOWN"
}

// IsSecureBlockWithMAC reports whether frames carrying this block type end with a MAC
func IsSecureBlockWithMAC(scs byte) bool {
	return scs >= SCS15 && scs <= SCS18
}
