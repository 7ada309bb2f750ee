package datasource

import (
	"context"

	"github.com/ramoncreager/matrix/errors"
	"github.com/ramoncreager/matrix/keymaster"
	"github.com/ramoncreager/matrix/transport"
	"github.com/ramoncreager/matrix/tree"
)

// specifiedKey and asConfiguredKey are the tree paths a component's
// transport endpoints live under (§2): the component declares what it
// wants bound/connected under Specified, and whichever side actually binds
// or connects writes back what it got under AsConfigured, so any other
// component can discover it by the same path.
func specifiedKey(componentName, transportKey string) string {
	return "components." + componentName + ".Transports." + transportKey + ".Specified"
}

func asConfiguredKey(componentName, transportKey string) string {
	return "components." + componentName + ".Transports." + transportKey + ".AsConfigured"
}

func urlsAtKey(km *keymaster.Client, key string) ([]string, error) {
	n, err := km.Get(key)
	if err != nil {
		return nil, err
	}
	seq, ok := n.(*tree.Sequence)
	if !ok {
		return nil, errors.WrapInvalid(errors.ErrWrongNodeKind, "datasource", "urlsAtKey", key)
	}
	urls := make([]string, 0, len(seq.Items))
	for _, item := range seq.Items {
		if scalar, ok := item.(*tree.Scalar); ok {
			urls = append(urls, scalar.Value)
		}
	}
	return urls, nil
}

func putURLsAtKey(km *keymaster.Client, key string, urls []string) error {
	seq := tree.NewSequence()
	for _, u := range urls {
		seq.Append(tree.NewScalar(u))
	}
	return km.Put(key, seq, true)
}

// NewSourceFromKeymaster is NewSource's Keymaster-mediated counterpart: the
// central control-flow loop of §2. Rather than taking urls directly, it
// reads the component's Specified endpoint list from km, binds the
// transport, and writes the resolved AsConfigured list back into the tree
// so any other component can find it.
func NewSourceFromKeymaster[T any](ctx context.Context, directory *transport.Directory, km *keymaster.Client, componentName, transportKey, scheme, key string, codec Codec[T]) (*Source[T], error) {
	urls, err := urlsAtKey(km, specifiedKey(componentName, transportKey))
	if err != nil {
		return nil, err
	}
	src, err := NewSource(ctx, directory, componentName, transportKey, scheme, urls, key, codec)
	if err != nil {
		return nil, err
	}
	if err := putURLsAtKey(km, asConfiguredKey(componentName, transportKey), src.URLs()); err != nil {
		src.Close()
		return nil, err
	}
	return src, nil
}

// NewSinkFromKeymaster is NewSink's Keymaster-mediated counterpart: it reads
// the upstream component's resolved AsConfigured publish endpoints from km
// (a subscriber must connect to where the publisher actually ended up, not
// to what it merely asked for) and connects the sink's own transport there.
func NewSinkFromKeymaster[T any](ctx context.Context, directory *transport.Directory, km *keymaster.Client, upstreamComponent, upstreamTransportKey, sinkComponentName, sinkTransportKey, scheme, key string, codec Codec[T], opts ...SinkOption[T]) (*Sink[T], error) {
	urls, err := urlsAtKey(km, asConfiguredKey(upstreamComponent, upstreamTransportKey))
	if err != nil {
		return nil, err
	}
	return NewSink(ctx, directory, sinkComponentName, sinkTransportKey, scheme, urls, key, codec, opts...)
}
