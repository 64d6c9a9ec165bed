package mtask

// Access policy predicates. Pure functions of the task and the acting user id.

func CanView(t *Task, userID string) bool {
	return t.IsOwner(userID) || t.IsCollaborator(userID)
}

func CanModifyDetails(t *Task, userID string) bool {
	return t.IsOwner(userID)
}

func CanDelete(t *Task, userID string) bool {
	return t.IsOwner(userID)
}

func CanManageCollaborators(t *Task, userID string) bool {
	return t.IsOwner(userID)
}

func CanChangeStatus(t *Task, userID string) bool {
	return CanView(t, userID)
}

func CanComment(t *Task, userID string) bool {
	return CanView(t, userID)
}
