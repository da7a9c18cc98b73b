package users

// UpdateProfileRequest is the body of PUT /api/user/me.
// Pointer fields allow partial updates: a nil field means "leave it alone",
// an empty string clears an optional field.
type UpdateProfileRequest struct {
	DisplayName  *string `json:"displayName,omitempty"`
	Bio          *string `json:"bio,omitempty"`
	ProfileImage *string `json:"profileImage,omitempty"`
	// Changing the password requires the current one, unless the account has
	// never had a password (federated-only accounts).
	CurrentPassword string `json:"currentPassword,omitempty"`
	NewPassword     string `json:"newPassword,omitempty"`
}

// empty reports whether the request asks for no change at all.
func (r UpdateProfileRequest) empty() bool {
	return r.DisplayName == nil && r.Bio == nil && r.ProfileImage == nil && r.NewPassword == ""
}
