package defs

// Open flags carried in the Open command's third argument (AsyncOp.Arg2 /
// Message.Args[2]), spec.md §8's end-to-end scenarios: "open(path,
// CREATE)", "open(path, CREATE|EXCLUSIVE)".
const (
	OpenCreate    uint32 = 1 << 0
	OpenExclusive uint32 = 1 << 1
)
