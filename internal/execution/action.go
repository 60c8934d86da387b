package execution

import "github.com/google/uuid"

func NewActionID() string {
	return "flow_" + uuid.NewString()
}
