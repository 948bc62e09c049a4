package identcache

// Class identifies a record class: one store region, one capacity setting
// and one invalidation epoch per class.
type Class uint8

const (
	ClassPasswd Class = iota + 1
	ClassGroup
	ClassInitgroups
)

func (c Class) String() string {
	switch c {
	case ClassPasswd:
		return "passwd"
	case ClassGroup:
		return "group"
	case ClassInitgroups:
		return "initgroups"
	default:
		return "unknown"
	}
}

// ClassSet selects classes for bulk invalidation.
type ClassSet uint8

const (
	PasswdSet     ClassSet = 1 << iota // users
	GroupSet                           // groups
	InitgroupsSet                      // membership associations
	AllClasses    = PasswdSet | GroupSet | InitgroupsSet
)

func (s ClassSet) Has(c Class) bool {
	switch c {
	case ClassPasswd:
		return s&PasswdSet != 0
	case ClassGroup:
		return s&GroupSet != 0
	case ClassInitgroups:
		return s&InitgroupsSet != 0
	}
	return false
}

// Identity is implemented by every record type: the numeric id keys the
// second store index, and the realm qualifies bare aliases when
// qualified-name policy is on.
type Identity interface {
	RecordID() uint32
	RecordRealm() string
}

// User is a resolved passwd entry.
type User struct {
	Name  string `msgpack:"n" json:"name"`
	UID   uint32 `msgpack:"u" json:"uid"`
	GID   uint32 `msgpack:"g" json:"gid"`
	Gecos string `msgpack:"c,omitempty" json:"gecos,omitempty"`
	Dir   string `msgpack:"d,omitempty" json:"dir,omitempty"`
	Shell string `msgpack:"s,omitempty" json:"shell,omitempty"`
	Realm string `msgpack:"r,omitempty" json:"realm,omitempty"`
}

func (u User) RecordID() uint32    { return u.UID }
func (u User) RecordRealm() string { return u.Realm }

// Group is a resolved group entry with its member names.
type Group struct {
	Name    string   `msgpack:"n" json:"name"`
	GID     uint32   `msgpack:"g" json:"gid"`
	Members []string `msgpack:"m,omitempty" json:"members,omitempty"`
	Realm   string   `msgpack:"r,omitempty" json:"realm,omitempty"`
}

func (g Group) RecordID() uint32    { return g.GID }
func (g Group) RecordRealm() string { return g.Realm }

// Initgroups is the membership association for one user: every gid the
// user belongs to, as consumed by initgroups(3)/`id`.
type Initgroups struct {
	Name  string   `msgpack:"n" json:"name"`
	UID   uint32   `msgpack:"u" json:"uid"`
	GIDs  []uint32 `msgpack:"g,omitempty" json:"gids,omitempty"`
	Realm string   `msgpack:"r,omitempty" json:"realm,omitempty"`
}

func (i Initgroups) RecordID() uint32    { return i.UID }
func (i Initgroups) RecordRealm() string { return i.Realm }
