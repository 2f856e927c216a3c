// Package crypto implements CoverDrop's role-parameterized key hierarchy and
// the envelope primitives built on top of it.
//
// Every key in the system is tagged, at compile time, with the role it belongs
// to. A JournalistId key and a CoverNodeId key share the same underlying
// Ed25519 machinery but are distinct Go types, so passing one where the other
// is expected is a compile error rather than a runtime bug.
package crypto

// Role is implemented by the phantom marker types below. It exists only to
// give each marker a name and an entity prefix for on-disk filenames and log
// fields; it carries no data and is never constructed.
type Role interface {
	roleName() string
	entityName() string

	// Name and EntityPrefix are the exported forms of the same two facts,
	// usable by other packages (diskformat's filenames, log fields) that
	// hold a Role value but cannot implement the interface themselves.
	Name() string
	EntityPrefix() string
}

// role defines a phantom role marker type named name, displaying as display
// and used as the entity prefix entity in filenames such as
// "journalist_id-ab12cd34.pub.json".
type role struct {
	name, display, entity string
}

func (r role) roleName() string   { return r.display }
func (r role) entityName() string { return r.entity }

func (r role) Name() string         { return r.display }
func (r role) EntityPrefix() string { return r.entity }

// Marker types for every role in the hierarchy. Each is a distinct named type
// so that SignedPublicSigningKey[AnchorOrganization] and
// SignedPublicSigningKey[Organization] cannot be mixed up by the compiler.
type (
	AnchorOrganization       struct{ role }
	Organization             struct{ role }
	CoverNodeProvisioning    struct{ role }
	CoverNodeId              struct{ role }
	UnregisteredCoverNodeId  struct{ role }
	CoverNodeMessaging       struct{ role }
	JournalistProvisioning   struct{ role }
	JournalistId             struct{ role }
	UnregisteredJournalistId struct{ role }
	JournalistMessaging      struct{ role }
	Admin                    struct{ role }
	User                     struct{ role }
)

// RoleOf returns the Role descriptor for a marker type. It is generic over
// the marker type R so call sites can write RoleOf[JournalistId]() without an
// instance in hand.
func RoleOf[R any]() Role {
	switch any(*new(R)).(type) {
	case AnchorOrganization:
		return AnchorOrganization{role{"anchor_organization", "anchor organization", "anchor_org"}}
	case Organization:
		return Organization{role{"organization", "organization", "org"}}
	case CoverNodeProvisioning:
		return CoverNodeProvisioning{role{"covernode_provisioning", "CoverNode provisioning", "covernode_provisioning"}}
	case CoverNodeId:
		return CoverNodeId{role{"covernode_id", "CoverNode identity", "covernode_id"}}
	case UnregisteredCoverNodeId:
		return UnregisteredCoverNodeId{role{"unregistered_covernode_id", "unregistered CoverNode identity", "covernode_id"}}
	case CoverNodeMessaging:
		return CoverNodeMessaging{role{"covernode_messaging", "CoverNode messaging", "covernode_msg"}}
	case JournalistProvisioning:
		return JournalistProvisioning{role{"journalist_provisioning", "journalist provisioning", "journalist_provisioning"}}
	case JournalistId:
		return JournalistId{role{"journalist_id", "journalist identity", "journalist_id"}}
	case UnregisteredJournalistId:
		return UnregisteredJournalistId{role{"unregistered_journalist_id", "unregistered journalist identity", "journalist_id"}}
	case JournalistMessaging:
		return JournalistMessaging{role{"journalist_messaging", "journalist messaging", "journalist_msg"}}
	case Admin:
		return Admin{role{"admin", "admin", "admin"}}
	case User:
		return User{role{"user", "user", "user"}}
	default:
		panic("crypto: RoleOf called with a type that is not a Role marker")
	}
}
