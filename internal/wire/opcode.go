// Package wire implements the length-prefixed, Kafka-compatible request and
// response framing that the storage and chain-replication layers speak on
// the wire: request/response envelopes, record batches, and the four
// non-Kafka extension opcodes (topics, fetch2, ensure, replicate) plus the
// two delete-topic opcodes this implementation assigns.
package wire

// APIKey identifies the operation carried by a request envelope.
type APIKey int16

const (
	Produce              APIKey = 0
	Fetch                APIKey = 1
	Metadata             APIKey = 3
	Topics               APIKey = 1000
	Fetch2               APIKey = 1001
	Ensure               APIKey = 1002
	Replicate            APIKey = 1003
	DeleteTopic          APIKey = 1004
	ReplicateDeleteTopic APIKey = 1005
)

func (k APIKey) String() string {
	switch k {
	case Produce:
		return "produce"
	case Fetch:
		return "fetch"
	case Metadata:
		return "metadata"
	case Topics:
		return "topics"
	case Fetch2:
		return "fetch2"
	case Ensure:
		return "ensure"
	case Replicate:
		return "replicate"
	case DeleteTopic:
		return "delete_topic"
	case ReplicateDeleteTopic:
		return "replicate_delete_topic"
	default:
		return "unknown"
	}
}

// ErrorCode is the wire error code carried in a response.
type ErrorCode int16

const (
	NoError                 ErrorCode = 0
	UnknownTopicOrPartition ErrorCode = 3
	NotLeaderOrTopicChanged ErrorCode = 6
	TimeoutError            ErrorCode = 7
	FetchDisallowed         ErrorCode = 129
	ProduceDisallowed       ErrorCode = 131
	ReplicateDisallowed     ErrorCode = 132
	WriteRepair             ErrorCode = 133
	UnknownError            ErrorCode = -1
)

func (e ErrorCode) Error() string {
	switch e {
	case NoError:
		return "no error"
	case UnknownTopicOrPartition:
		return "unknown topic or partition"
	case NotLeaderOrTopicChanged:
		return "not leader / topic map changed"
	case TimeoutError:
		return "timeout"
	case FetchDisallowed:
		return "fetch disallowed on this role"
	case ProduceDisallowed:
		return "produce disallowed on this role"
	case ReplicateDisallowed:
		return "replicate disallowed on this role"
	case WriteRepair:
		return "write repair"
	default:
		return "unknown error"
	}
}

// Role is the replication role assigned to an accepted connection.
type Role int

const (
	RoleUndefined Role = iota
	RoleHead
	RoleMiddle
	RoleTail
	RoleSolo
)

func (r Role) String() string {
	switch r {
	case RoleHead:
		return "head"
	case RoleMiddle:
		return "middle"
	case RoleTail:
		return "tail"
	case RoleSolo:
		return "solo"
	default:
		return "undefined"
	}
}
