package value

// Tag identifies the kind of payload a Value carries
type Tag uint8

const (
	TagEmpty     Tag = 0 // placeholder for uninitialized heap slots
	TagUndefined Tag = 1
	TagNull      Tag = 2
	TagBool      Tag = 3
	TagNumber    Tag = 4
	TagSymbol    Tag = 5
	TagObject    Tag = 6 // reference to a heap cell
)

// String returns the string representation of the tag
func (t Tag) String() string {
	switch t {
	case TagEmpty:
		return "EMPTY"
	case TagUndefined:
		return "UNDEFINED"
	case TagNull:
		return "NULL"
	case TagBool:
		return "BOOL"
	case TagNumber:
		return "NUMBER"
	case TagSymbol:
		return "SYMBOL"
	case TagObject:
		return "OBJECT"
	default:
		return "UNKNOWN"
	}
}
