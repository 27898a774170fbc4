package dtx

// IsolationLevel is the transaction isolation level carried in the txn options.
type IsolationLevel int

// The isolation levels.
const (
	IsolationUnspecified IsolationLevel = iota
	IsolationReadUncommitted
	IsolationReadCommitted
	IsolationRepeatableRead
	IsolationSerializable
)

func (l IsolationLevel) String() string {
	switch l {
	case IsolationReadUncommitted:
		return "READ UNCOMMITTED"
	case IsolationReadCommitted:
		return "READ COMMITTED"
	case IsolationRepeatableRead:
		return "REPEATABLE READ"
	case IsolationSerializable:
		return "SERIALIZABLE"
	}
	return "UNSPECIFIED"
}

// TxnOptions is the options bitmask dispatched with every statement.
//
// bit 0 asks for a distributed transaction, bits 1-3 hold the isolation level,
// 0x10 marks read only and 0x20 an explicit BEGIN.
type TxnOptions uint32

const (
	// OptNeedDtx asks the segment to run the statement inside the distributed transaction.
	OptNeedDtx TxnOptions = 0x0001

	// OptIsolationLevelMask selects the isolation level bits.
	OptIsolationLevelMask TxnOptions = 0x000E

	// OptReadOnly marks a read only transaction.
	OptReadOnly TxnOptions = 0x0010

	// OptExplicitBegin marks a transaction opened with an explicit BEGIN.
	OptExplicitBegin TxnOptions = 0x0020
)

// NewTxnOptions builds the options bitmask.
func NewTxnOptions(needDtx bool, level IsolationLevel, readOnly, explicitBegin bool) TxnOptions {
	var opts TxnOptions
	if needDtx {
		opts |= OptNeedDtx
	}
	opts |= TxnOptions(level<<1) & OptIsolationLevelMask
	if readOnly {
		opts |= OptReadOnly
	}
	if explicitBegin {
		opts |= OptExplicitBegin
	}
	return opts
}

// NeedDtx reports whether the need-dtx bit is set.
func (o TxnOptions) NeedDtx() bool { return o&OptNeedDtx != 0 }

// ReadOnly reports whether the read-only bit is set.
func (o TxnOptions) ReadOnly() bool { return o&OptReadOnly != 0 }

// ExplicitBegin reports whether the explicit-begin bit is set.
func (o TxnOptions) ExplicitBegin() bool { return o&OptExplicitBegin != 0 }

// IsolationLevel decodes the isolation level bits.
func (o TxnOptions) IsolationLevel() IsolationLevel {
	return IsolationLevel((o & OptIsolationLevelMask) >> 1)
}
