// Package dir implements FAT directory entries, directory iteration, and
// path resolution (spec.md §4.9, component C10).
//
// Grounded on original_source/fatdriver/src/dir.rs's DirEntry/RootDirectory/
// SubDirectory/resolve_path, and on original_source/kernel/src/io/filesystem/fatfs/dir.rs
// for the equivalent in-kernel shape. Case-insensitive 8.3 matching
// (ascii_char_matches) and the DOS timestamp encode/decode are ported
// directly per SPEC_FULL.md's supplemented-features #6/#7.
package dir

import (
	"strings"

	"golang.org/x/text/encoding/charmap"
)

// EntrySize is the on-disk size of one DirEntry, spec.md §6: "Directory
// entries are 32 bytes."
const EntrySize = 32

const (
	attrDirectory = 0x10
	attrLongName  = 0x0F

	freeMarker    = 0x00
	deletedMarker = 0xE5
)

// Entry is the decoded on-disk 8.3 record, fields as laid out in spec.md §6.
type Entry struct {
	Name             [8]byte
	Ext              [3]byte
	Attributes       byte
	NonstandardAttrs byte
	FineCreateTime   byte
	CreationTime     uint16
	CreationDate     uint16
	AccessDate       uint16
	ExtendedAttrs    uint16
	LastModifyTime   uint16
	LastModifyDate   uint16
	FirstCluster     uint16
	ByteSize         uint32
}

// NewEntry constructs a blank, space-padded entry, matching DirEntry::new.
func NewEntry() Entry {
	e := Entry{}
	for i := range e.Name {
		e.Name[i] = ' '
	}
	for i := range e.Ext {
		e.Ext[i] = ' '
	}
	return e
}

// Decode parses a 32-byte on-disk record.
func Decode(b []byte) Entry {
	var e Entry
	copy(e.Name[:], b[0:8])
	copy(e.Ext[:], b[8:11])
	e.Attributes = b[11]
	e.NonstandardAttrs = b[12]
	e.FineCreateTime = b[13]
	e.CreationTime = le16(b[14:16])
	e.CreationDate = le16(b[16:18])
	e.AccessDate = le16(b[18:20])
	e.ExtendedAttrs = le16(b[20:22])
	e.LastModifyTime = le16(b[22:24])
	e.LastModifyDate = le16(b[24:26])
	e.FirstCluster = le16(b[26:28])
	e.ByteSize = le32(b[28:32])
	return e
}

// Encode serializes the entry to its 32-byte on-disk form.
func (e Entry) Encode() []byte {
	b := make([]byte, EntrySize)
	copy(b[0:8], e.Name[:])
	copy(b[8:11], e.Ext[:])
	b[11] = e.Attributes
	b[12] = e.NonstandardAttrs
	b[13] = e.FineCreateTime
	putLE16(b[14:16], e.CreationTime)
	putLE16(b[16:18], e.CreationDate)
	putLE16(b[18:20], e.AccessDate)
	putLE16(b[20:22], e.ExtendedAttrs)
	putLE16(b[22:24], e.LastModifyTime)
	putLE16(b[24:26], e.LastModifyDate)
	putLE16(b[26:28], e.FirstCluster)
	putLE32(b[28:32], e.ByteSize)
	return b
}

func le16(b []byte) uint16 { return uint16(b[0]) | uint16(b[1])<<8 }
func le32(b []byte) uint32 {
	return uint32(b[0]) | uint32(b[1])<<8 | uint32(b[2])<<16 | uint32(b[3])<<24
}
func putLE16(b []byte, v uint16) { b[0] = byte(v); b[1] = byte(v >> 8) }
func putLE32(b []byte, v uint32) {
	b[0] = byte(v)
	b[1] = byte(v >> 8)
	b[2] = byte(v >> 16)
	b[3] = byte(v >> 24)
}

// IsFree reports whether this slot is unused or deleted (dir.rs's is_empty).
func (e Entry) IsFree() bool {
	return e.Name[0] == freeMarker || e.Name[0] == deletedMarker
}

// IsEndOfDirectory reports the root-directory/cluster-chain terminator: a
// slot whose first byte is 0x00 (never written) ends the scan.
func (e Entry) IsEndOfDirectory() bool { return e.Name[0] == freeMarker }

// IsLongNameEntry reports a VFAT LFN slot (attribute 0x0F); spec.md §6:
// "LFN entries are skipped on read and never written."
func (e Entry) IsLongNameEntry() bool { return e.Attributes == attrLongName }

func (e Entry) IsDirectory() bool { return e.Attributes&attrDirectory != 0 }

// AttrDirectory is the on-disk directory attribute bit, exported for
// callers (the FAT driver's mkdir) that stamp a freshly created
// subdirectory's own entry.
const AttrDirectory = attrDirectory

// Filename returns the space-trimmed 8-byte name component, decoded from
// the CP437 OEM code page (SPEC_FULL.md domain-stack wiring for
// golang.org/x/text/encoding/charmap).
func (e Entry) Filename() string { return decodeOEM(trimPad(e.Name[:])) }

// ExtString returns the space-trimmed 3-byte extension component.
func (e Entry) ExtString() string { return decodeOEM(trimPad(e.Ext[:])) }

// FullName joins filename and extension with a dot, matching
// DirEntry::get_full_name.
func (e Entry) FullName() string {
	name := e.Filename()
	ext := e.ExtString()
	if ext == "" {
		return name
	}
	return name + "." + ext
}

func trimPad(b []byte) []byte {
	end := len(b)
	for end > 0 && b[end-1] == ' ' {
		end--
	}
	return b[:end]
}

func decodeOEM(b []byte) string {
	out, err := charmap.CodePage437.NewDecoder().Bytes(b)
	if err != nil {
		return string(b)
	}
	return string(out)
}

// SetFilename stores name/ext into the fixed 8.3 fields as given (dir.rs's
// set_filename); it does not uppercase or pad them, so callers pass arrays
// already packed by ParseShortName.
func (e *Entry) SetFilename(name [8]byte, ext [3]byte) {
	e.Name = name
	e.Ext = ext
}

// MarkDeleted sets the first name byte to the deleted marker (dir.rs's
// mark_deleted).
func (e *Entry) MarkDeleted() { e.Name[0] = deletedMarker }

// MatchesName performs the ASCII case-insensitive 8.3 comparison from
// dir.rs's matches_name/ascii_char_matches (SPEC_FULL.md supplemented
// feature #6).
func (e Entry) MatchesName(name [8]byte, ext [3]byte, extLen int) bool {
	for i := 0; i < 8; i++ {
		if !asciiCharMatches(e.Name[i], name[i]) {
			return false
		}
	}
	for i := 0; i < 3; i++ {
		var want byte = ' '
		if i < extLen {
			want = ext[i]
		}
		if !asciiCharMatches(e.Ext[i], want) {
			return false
		}
	}
	return true
}

func asciiCharMatches(a, b byte) bool {
	if a > 0x40 && a < 0x5B {
		return a == b || (a+0x20) == b
	}
	if a > 0x60 && a < 0x7B {
		return a == b || a == (b+0x20)
	}
	return a == b
}

// ParseShortName splits "NAME.EXT" into fixed, space-padded, uppercased
// 8.3 byte arrays, matching dir.rs's parse_short_name.
func ParseShortName(name string) (nameBytes [8]byte, extBytes [3]byte, extLen int) {
	filename, ext := name, ""
	if idx := strings.LastIndexByte(name, '.'); idx >= 0 {
		filename, ext = name[:idx], name[idx+1:]
	}
	for i := range nameBytes {
		nameBytes[i] = ' '
	}
	for i := range extBytes {
		extBytes[i] = ' '
	}
	n := len(filename)
	if n > 8 {
		n = 8
	}
	for i := 0; i < n; i++ {
		nameBytes[i] = upperASCII(filename[i])
	}
	extLen = len(ext)
	if extLen > 3 {
		extLen = 3
	}
	for i := 0; i < extLen; i++ {
		extBytes[i] = upperASCII(ext[i])
	}
	return nameBytes, extBytes, extLen
}

func upperASCII(b byte) byte {
	if b >= 'a' && b <= 'z' {
		return b - 0x20
	}
	return b
}

// monthStartOffset is days-before-month-N in a non-leap year, used by both
// directions of the DOS timestamp conversion (dir.rs's MONTH_START_OFFSET).
var monthStartOffset = [12]uint32{0, 31, 59, 90, 120, 151, 181, 212, 243, 273, 304, 334}

// EncodeTimestamp converts a calendar date/time into seconds-since-1980,
// the wire format spec.md §3 calls "a 32-bit epoch-like timestamp" for
// get_modification_timestamp. Ported from dir.rs's encode_timestamp
// (SPEC_FULL.md supplemented feature #7).
func EncodeTimestamp(year, month, day, hours, minutes, seconds uint16) uint32 {
	if year < 1980 || month == 0 || month > 12 || day == 0 {
		return 0
	}
	yr := uint32(year - 1980)
	quadrennials := yr / 4
	yearRemainder := yr % 4
	days := quadrennials*(366+365+365+365) + yearRemainder*365
	if yearRemainder > 0 {
		days++
	}
	days += monthStartOffset[month-1]
	if yearRemainder == 0 && month > 2 {
		days++
	}
	days += uint32(day) - 1
	return days*86400 + uint32(hours)*3600 + uint32(minutes)*60 + uint32(seconds)
}

// DecodeTimestamp reverses EncodeTimestamp into packed FAT FileDate/FileTime
// words, ported from dir.rs's decode_timestamp.
func DecodeTimestamp(ts uint32) (fatDate, fatTime uint16) {
	days := ts / 86400
	rawTime := ts % 86400

	yearOffset := (days * 100) / 36525
	quadrennialDays := days % (365 + 365 + 365 + 366)
	var yearDays uint32
	if quadrennialDays > 365 {
		yearDays = (quadrennialDays - 366) % 365
	} else {
		yearDays = quadrennialDays
	}
	month := 0
	var leap uint32
	for month < 12 && monthStartOffset[month]+leap <= yearDays {
		month++
		if month == 2 && yearOffset%4 == 0 {
			leap = 1
		}
	}
	day := yearDays + 1 - monthStartOffset[month-1]
	if month > 2 {
		day -= leap
	}

	totalMinutes := rawTime / 60
	seconds := rawTime % 60
	hours := totalMinutes / 60
	minutes := totalMinutes % 60

	year := uint16(yearOffset) + 1980
	fatDate = fileDateFromParts(year, byte(month), byte(day))
	fatTime = fileTimeFromParts(byte(hours), byte(minutes), byte(seconds))
	return fatDate, fatTime
}

func fileTimeFromParts(hours, minutes, seconds byte) uint16 {
	return uint16(hours)<<11 | uint16(minutes)<<5 | uint16(seconds)>>1
}

func fileDateFromParts(year uint16, month, day byte) uint16 {
	var yearVal uint16
	if year >= 1980 {
		yearVal = year - 1980
	}
	return (yearVal&0x7F)<<9 | uint16(month&0xF)<<5 | uint16(day&0x1F)
}

// fileTimeHours/Minutes/Seconds and fileDateYear/Month/Day decode the
// packed DOS words back into calendar components (dir.rs's FileTime/
// FileDate getters), used by ModificationTimestamp below.
func fileTimeHours(t uint16) uint16   { return t >> 11 }
func fileTimeMinutes(t uint16) uint16 { return (t >> 5) & 0x3F }
func fileTimeSeconds(t uint16) uint16 { return (t & 0x1F) << 1 }
func fileDateYear(d uint16) uint16    { return ((d >> 9) & 0x7F) + 1980 }
func fileDateMonth(d uint16) uint16   { return (d >> 5) & 0xF }
func fileDateDay(d uint16) uint16     { return d & 0x1F }

// ModificationTimestamp returns the entry's last-modified time as
// seconds-since-1980, matching DirEntry::get_modification_timestamp.
func (e Entry) ModificationTimestamp() uint32 {
	return EncodeTimestamp(
		fileDateYear(e.LastModifyDate), fileDateMonth(e.LastModifyDate), fileDateDay(e.LastModifyDate),
		fileTimeHours(e.LastModifyTime), fileTimeMinutes(e.LastModifyTime), fileTimeSeconds(e.LastModifyTime),
	)
}

// StampAll fills creation/access/modification fields from a single
// timestamp, matching RootDirectory::add_entry / SubDirectory::add_entry's
// get_timestamp() call.
func (e *Entry) StampAll(timestamp uint32) {
	date, t := DecodeTimestamp(timestamp)
	e.CreationDate, e.CreationTime = date, t
	e.LastModifyDate, e.LastModifyTime = date, t
	e.AccessDate = date
}
