package rbac

// Level is a viewer's permission for a workspace or a document in it.
type Level int

const (
	None Level = iota
	Read
	Edit
	Admin
)

func (l Level) String() string {
	switch l {
	case Read:
		return "read"
	case Edit:
		return "edit"
	case Admin:
		return "admin"
	default:
		return "none"
	}
}

// AtLeast reports whether l grants everything min grants.
func (l Level) AtLeast(min Level) bool {
	return l >= min
}

func Normalize(role string) Level {
	switch role {
	case "read":
		return Read
	case "edit":
		return Edit
	case "admin":
		return Admin
	default:
		return None
	}
}
