package observer

import "errors"

var (
	ErrStateNotFound      = errors.New("observer state not found")
	ErrAlreadySubscribed  = errors.New("observer already subscribed")
	ErrNotSubscribed      = errors.New("observer not subscribed")
	ErrPartitionNotFailed = errors.New("partition is not under recovery")
	ErrNilSubscriber      = errors.New("subscriber is nil")
)
