package testutil

import (
	"github.com/google/uuid"
)

var (
	StewardMemberID   = uuid.MustParse("00000000-0000-0000-0000-000000000001")
	OffspringMemberID = uuid.MustParse("00000000-0000-0000-0000-000000000002")

	StewardAccountID   = uuid.MustParse("00000000-0000-0000-0000-000000000101")
	OffspringAccountID = uuid.MustParse("00000000-0000-0000-0000-000000000102")
)
