package auth

import "github.com/user/nutrisync-go/users"

// RegisterRequest is the body of POST /api/auth/register.
type RegisterRequest struct {
	Username     string  `json:"username"`
	DisplayName  string  `json:"displayName"`
	Email        string  `json:"email"`
	Password     string  `json:"password"`
	ProfileImage *string `json:"profileImage,omitempty"`
	Bio          *string `json:"bio,omitempty"`
}

// LoginRequest is the body of POST /api/auth/login.
type LoginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

// SessionResponse reports whether the caller is signed in.
// It is returned by login and check.
type SessionResponse struct {
	LoggedIn bool           `json:"loggedIn"`
	User     *users.Profile `json:"user,omitempty"`
}

// MessageResponse is a plain acknowledgement.
type MessageResponse struct {
	Message string `json:"message"`
}

func loggedIn(u *users.User) SessionResponse {
	p := u.Sanitize()
	return SessionResponse{LoggedIn: true, User: &p}
}
