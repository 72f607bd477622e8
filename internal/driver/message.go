// Package driver implements the driver arbiter (spec.md §4.6/§9, component
// C8): routing file operations to either an in-kernel synchronous driver or
// an out-of-kernel driver task addressed by IPC message, plus the
// create_mapping/page_in interface that lets the VM core back memory
// regions from a driver-owned file.
//
// Grounded on original_source/api/src/io/driver.rs's DriverCommand enum and
// AsyncDriver::handle_request dispatch-on-tag, and on
// original_source/kernel/src/filesystem/drivers/asyncfs.rs's
// begin_io/complete protocol for the out-of-kernel arm. spec.md §9's
// Polymorphism note calls this "a tagged variant with two arms (in-kernel
// synchronous, out-of-kernel async); calls dispatch on the tag" — mirrored
// here as the Sync/Async halves of mountEntry.
package driver

// Command is the dispatch tag carried in Message.Type, matching
// driver.rs's DriverCommand.
type Command uint32

const (
	CmdOpen          Command = 1
	CmdOpenRaw       Command = 2
	CmdRead          Command = 3
	CmdWrite         Command = 4
	CmdClose         Command = 5
	CmdStat          Command = 6
	CmdShare         Command = 7
	CmdIoctl         Command = 8
	CmdMkdir         Command = 9
	CmdUnlink        Command = 10
	CmdRmdir         Command = 11
	CmdRename        Command = 12
	CmdCreateMapping Command = 13
	CmdRemoveMapping Command = 14
	CmdPageIn        Command = 15
	CmdInvalid       Command = 0xffffffff
)

// FromU32 decodes a raw message-type word into a Command, defaulting to
// CmdInvalid for anything unrecognized (driver.rs's DriverCommand::from_u32).
func FromU32(v uint32) Command {
	switch Command(v) {
	case CmdOpen, CmdOpenRaw, CmdRead, CmdWrite, CmdClose, CmdStat, CmdShare, CmdIoctl,
		CmdMkdir, CmdUnlink, CmdRmdir, CmdRename, CmdCreateMapping, CmdRemoveMapping, CmdPageIn:
		return Command(v)
	default:
		return CmdInvalid
	}
}

func (c Command) String() string {
	switch c {
	case CmdOpen:
		return "open"
	case CmdOpenRaw:
		return "open_raw"
	case CmdRead:
		return "read"
	case CmdWrite:
		return "write"
	case CmdClose:
		return "close"
	case CmdStat:
		return "stat"
	case CmdShare:
		return "share"
	case CmdIoctl:
		return "ioctl"
	case CmdMkdir:
		return "mkdir"
	case CmdUnlink:
		return "unlink"
	case CmdRmdir:
		return "rmdir"
	case CmdRename:
		return "rename"
	case CmdCreateMapping:
		return "create_mapping"
	case CmdRemoveMapping:
		return "remove_mapping"
	case CmdPageIn:
		return "page_in"
	default:
		return "invalid"
	}
}

// Message is the fixed-shape IPC envelope delivered to an out-of-kernel
// driver task's message-queue handle, matching the {message_type,
// unique_id, args[6]} layout spec.md §2's control-flow paragraph describes
// and driver.rs's Message usage.
type Message struct {
	Type     uint32
	UniqueID uint32
	Args     [6]uint32
}

// ResponseMagic tags a Message flowing back from a driver task to the
// arbiter as a completion rather than a fresh request, matching asyncfs.rs's
// ASYNC_RESPONSE_MAGIC sentinel.
const ResponseMagic uint32 = 0x4153594E // "ASYN"

// EncodeResponse builds the reply Message a driver task sends after
// handling a request: Type is ResponseMagic, UniqueID carries the request's
// unique_id, and Args is [value, errno, 0, 0, 0, 0].
func EncodeResponse(uniqueID, value, errno uint32) Message {
	return Message{
		Type:     ResponseMagic,
		UniqueID: uniqueID,
		Args:     [6]uint32{value, errno},
	}
}
