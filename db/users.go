package db

import "context"

func (s *Store) CreateUser(ctx context.Context, u *User) error {
	if !u.Role.Valid() {
		return errInvalidEnum("role", string(u.Role))
	}
	return translate(s.db.WithContext(ctx).Create(u).Error)
}

// GetUserByEmail matches the email exactly as stored.
func (s *Store) GetUserByEmail(ctx context.Context, email string) (*User, error) {
	var u User
	if err := s.db.WithContext(ctx).Where("email = ?", email).First(&u).Error; err != nil {
		return nil, translate(err)
	}
	return &u, nil
}

func (s *Store) GetUserByID(ctx context.Context, id uint) (*User, error) {
	var u User
	if err := s.db.WithContext(ctx).First(&u, id).Error; err != nil {
		return nil, translate(err)
	}
	return &u, nil
}

// UpdateLoginState reloads the user under a row lock, lets fn mutate the
// lockout fields and writes them back in the same transaction. An error
// from fn rolls back and is returned unchanged.
func (s *Store) UpdateLoginState(ctx context.Context, id uint, fn func(u *User) error) (*User, error) {
	var out User
	err := s.Transaction(ctx, func(tx *Store) error {
		var u User
		if err := tx.forUpdate(tx.db).First(&u, id).Error; err != nil {
			return translate(err)
		}
		if err := fn(&u); err != nil {
			return err
		}
		err := tx.db.Model(&User{ID: u.ID}).
			Select("failed_login_attempts", "is_locked", "locked_until", "last_login_at", "login_count").
			Updates(&u).Error
		if err != nil {
			return err
		}
		out = u
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &out, nil
}
