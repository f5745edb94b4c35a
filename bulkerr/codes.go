// Package bulkerr defines the closed error taxonomy of the bulk processing
// pipeline. Every failure that crosses a component boundary is tagged with a
// Code, and the Code alone decides retryability.
package bulkerr

// Code identifies one failure class. The prefix groups codes by origin:
// V (validation), P (processing), I (infrastructure), K (transport),
// E (general).
type Code string

const (
	// Validation errors (V1xxx). Never retryable.
	EmptyFile              Code = "V1001"
	InvalidFileFormat      Code = "V1002"
	MissingRequiredColumns Code = "V1003"
	InvalidRowData         Code = "V1004"
	MissingTicketNumber    Code = "V1005"
	InvalidCustomerID      Code = "V1006"
	MissingTitle           Code = "V1007"
	NullRequest            Code = "V1008"
	BatchSizeExceeded      Code = "V1009"

	// Processing errors (P2xxx).
	DuplicateTicket         Code = "P2001"
	TicketCreationFailed    Code = "P2002"
	ChunkProcessingFailed   Code = "P2003"
	BatchProcessingFailed   Code = "P2004"
	RecordProcessingFailed  Code = "P2005"
	InvalidStatusTransition Code = "P2006"
	InvalidPriority         Code = "P2007"

	// Infrastructure errors (I3xxx).
	DatabaseError Code = "I3001"
	RedisError    Code = "I3002"
	IOError       Code = "I3003"
	TimeoutError  Code = "I3004"
	MemoryError   Code = "I3005"

	// Transport errors (K4xxx).
	KafkaProducerError        Code = "K4001"
	KafkaConsumerError        Code = "K4002"
	KafkaSerializationError   Code = "K4003"
	KafkaDeserializationError Code = "K4004"
	KafkaBrokerUnavailable    Code = "K4005"
	KafkaTopicNotFound        Code = "K4006"
	SentToDLT                 Code = "K4007"
	KafkaCommitFailed         Code = "K4008"

	// General errors (E9xxx).
	UnknownError       Code = "E9001"
	InternalError      Code = "E9002"
	ConfigurationError Code = "E9003"
)

type codeInfo struct {
	description string
	retryable   bool
}

var codeTable = map[Code]codeInfo{
	EmptyFile:              {"File is empty or contains no data", false},
	InvalidFileFormat:      {"Invalid file format", false},
	MissingRequiredColumns: {"Missing required columns in CSV", false},
	InvalidRowData:         {"Invalid row data", false},
	MissingTicketNumber:    {"Ticket number is required", false},
	InvalidCustomerID:      {"Invalid customer ID", false},
	MissingTitle:           {"Title is required", false},
	NullRequest:            {"Request payload is null", false},
	BatchSizeExceeded:      {"Batch size exceeds maximum limit", false},

	DuplicateTicket:         {"Duplicate ticket number", false},
	TicketCreationFailed:    {"Failed to create ticket", true},
	ChunkProcessingFailed:   {"Failed to process chunk", true},
	BatchProcessingFailed:   {"Failed to process batch", true},
	RecordProcessingFailed:  {"Failed to process record", true},
	InvalidStatusTransition: {"Invalid status transition", false},
	InvalidPriority:         {"Invalid priority value", false},

	DatabaseError: {"Database error", true},
	RedisError:    {"Redis cache error", true},
	IOError:       {"I/O error", true},
	TimeoutError:  {"Operation timeout", true},
	MemoryError:   {"Out of memory", false},

	KafkaProducerError:        {"Kafka producer error", true},
	KafkaConsumerError:        {"Kafka consumer error", true},
	KafkaSerializationError:   {"Kafka serialization error", false},
	KafkaDeserializationError: {"Kafka deserialization error", false},
	KafkaBrokerUnavailable:    {"Kafka broker unavailable", true},
	KafkaTopicNotFound:        {"Kafka topic not found", false},
	SentToDLT:                 {"Message sent to Dead Letter Topic", false},
	KafkaCommitFailed:         {"Failed to commit offset", true},

	UnknownError:       {"Unknown error occurred", true},
	InternalError:      {"Internal system error", true},
	ConfigurationError: {"Configuration error", false},
}

// Description returns the canonical human-readable description of the code.
func (c Code) Description() string {
	if info, ok := codeTable[c]; ok {
		return info.description
	}
	return codeTable[UnknownError].description
}

// Retryable reports whether failures tagged with this code may succeed on a
// later delivery. Unknown codes are treated as retryable, matching the
// handling of UnknownError.
func (c Code) Retryable() bool {
	if info, ok := codeTable[c]; ok {
		return info.retryable
	}
	return true
}

// Class returns the taxonomy class letter of the code ("V", "P", "I", "K",
// or "E").
func (c Code) Class() string {
	if len(c) == 0 {
		return "E"
	}
	return string(c[0])
}
