package registry

import "errors"

var (
	// ErrUnauthorized is returned when the caller is not the designated coordinator.
	ErrUnauthorized = errors.New("caller not authorized")

	// ErrInvalidContribution is returned when a contributed point digests to
	// the zero-point digest.
	ErrInvalidContribution = errors.New("contribution is the zero point")

	// ErrOwnershipMismatch is returned when the claimed identity does not own
	// the contributed key according to the ownership oracle.
	ErrOwnershipMismatch = errors.New("identity does not own contributed key")

	// ErrNoHistoryBeforeBlock is returned when a history query targets a block
	// earlier than any recorded update, or the quorum has no history.
	ErrNoHistoryBeforeBlock = errors.New("no history at or before target block")

	// ErrIndexTooRecent is returned when the supplied record became effective
	// after the target block.
	ErrIndexTooRecent = errors.New("record not yet effective at target block")

	// ErrStaleIndex is returned when the supplied record was superseded before
	// the target block.
	ErrStaleIndex = errors.New("record superseded before target block")

	// ErrVetoed is returned when an installed hook rejects a mutation.
	ErrVetoed = errors.New("mutation vetoed")

	// ErrBlockRegression is returned when a mutation carries a block height
	// below the quorum's latest recorded height.
	ErrBlockRegression = errors.New("block height below latest record")

	// ErrRecordNotFound is returned when a history index is out of range.
	ErrRecordNotFound = errors.New("no history record at index")
)
