package eventbus

// Topic names an event and fixes its payload type.
type Topic[T any] struct {
	name string
}

// NewTopic declares a typed event name.
func NewTopic[T any](name string) Topic[T] {
	return Topic[T]{name: name}
}

// Name returns the event name the topic publishes under.
func (t Topic[T]) Name() string { return t.name }

// On subscribes fn to t. Payloads of any other type are ignored.
func On[T any](b *Bus, t Topic[T], fn func(T)) func() {
	return b.Subscribe(t.name, func(_ string, payload any) {
		if v, ok := payload.(T); ok {
			fn(v)
		}
	})
}

// Once subscribes fn to the next delivery of t.
func Once[T any](b *Bus, t Topic[T], fn func(T)) func() {
	return b.SubscribeOnce(t.name, func(_ string, payload any) {
		if v, ok := payload.(T); ok {
			fn(v)
		}
	})
}

// Emit publishes v under t.
func Emit[T any](b *Bus, t Topic[T], v T) {
	b.Publish(t.name, v)
}
