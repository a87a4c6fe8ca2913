package publish

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"

	"github.com/opencontainers/go-digest"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
	"github.com/rs/zerolog/log"
	"oras.land/oras-go/v2"
	"oras.land/oras-go/v2/errdef"
	"oras.land/oras-go/v2/registry/remote"
	"oras.land/oras-go/v2/registry/remote/auth"
	"oras.land/oras-go/v2/registry/remote/retry"

	"github.com/3cpo-dev/bpsync/pkg/api"
)

const (
	// ArtifactType marks manifests pushed by bpsync.
	ArtifactType = "application/vnd.bpsync.dependency.v1"
	// LayerMediaType is the media type of the single artifact layer.
	LayerMediaType = "application/vnd.bpsync.dependency.layer.v1"
)

// ORASConfig configures registry transport.
type ORASConfig struct {
	PlainHTTP bool
	Insecure  bool
	UserAgent string
}

// ORASPublisher pushes a file as a one-layer OCI artifact and tags it.
type ORASPublisher struct {
	cfg       ORASConfig
	newTarget func(ctx context.Context, repo string, creds api.Credentials) (oras.Target, error)
}

func NewORASPublisher(cfg ORASConfig) *ORASPublisher {
	p := &ORASPublisher{cfg: cfg}
	p.newTarget = p.repository
	return p
}

func (p *ORASPublisher) Publish(ctx context.Context, localPath, targetRef string, creds api.Credentials) (string, error) {
	if err := p.publish(ctx, localPath, targetRef, creds); err != nil {
		return "", &api.PublishError{Ref: targetRef, Err: err}
	}
	return targetRef, nil
}

func (p *ORASPublisher) publish(ctx context.Context, localPath, targetRef string, creds api.Credentials) error {
	repoPath, tag, err := splitRef(targetRef)
	if err != nil {
		return err
	}
	target, err := p.newTarget(ctx, repoPath, creds)
	if err != nil {
		return err
	}

	layer, err := p.pushLayer(ctx, target, localPath)
	if err != nil {
		return err
	}
	manDesc, err := oras.PackManifest(ctx, target, oras.PackManifestVersion1_1, ArtifactType, oras.PackManifestOptions{
		Layers: []ocispec.Descriptor{layer},
	})
	if err != nil {
		return fmt.Errorf("pack manifest: %w", err)
	}
	if err := target.Tag(ctx, manDesc, tag); err != nil {
		return fmt.Errorf("tag %s: %w", tag, err)
	}
	log.Info().
		Str("ref", targetRef).
		Str("digest", manDesc.Digest.String()).
		Int64("size", layer.Size).
		Msg("Pushed artifact")
	return nil
}

// pushLayer streams the file into target unless a blob with its digest is
// already present.
func (p *ORASPublisher) pushLayer(ctx context.Context, target oras.Target, localPath string) (ocispec.Descriptor, error) {
	f, err := os.Open(localPath)
	if err != nil {
		return ocispec.Descriptor{}, fmt.Errorf("open artifact: %w", err)
	}
	defer f.Close()
	st, err := f.Stat()
	if err != nil {
		return ocispec.Descriptor{}, fmt.Errorf("stat artifact: %w", err)
	}
	dgst, err := digest.SHA256.FromReader(f)
	if err != nil {
		return ocispec.Descriptor{}, fmt.Errorf("digest artifact: %w", err)
	}
	desc := ocispec.Descriptor{
		MediaType: LayerMediaType,
		Digest:    dgst,
		Size:      st.Size(),
		Annotations: map[string]string{
			ocispec.AnnotationTitle: filepath.Base(localPath),
		},
	}

	exists, err := target.Exists(ctx, desc)
	if err != nil {
		return ocispec.Descriptor{}, fmt.Errorf("check blob: %w", err)
	}
	if exists {
		log.Debug().Str("digest", dgst.String()).Msg("Blob already present")
		return desc, nil
	}
	if _, err := f.Seek(0, 0); err != nil {
		return ocispec.Descriptor{}, fmt.Errorf("rewind artifact: %w", err)
	}
	if err := target.Push(ctx, desc, f); err != nil && !errors.Is(err, errdef.ErrAlreadyExists) {
		return ocispec.Descriptor{}, fmt.Errorf("push blob: %w", err)
	}
	return desc, nil
}

// repository opens repoPath on its registry with retrying transport and,
// when creds are set, static basic auth for that registry only.
func (p *ORASPublisher) repository(_ context.Context, repoPath string, creds api.Credentials) (oras.Target, error) {
	repo, err := remote.NewRepository(repoPath)
	if err != nil {
		return nil, fmt.Errorf("invalid repository %q: %w", repoPath, err)
	}
	repo.PlainHTTP = p.cfg.PlainHTTP

	transport := http.DefaultTransport.(*http.Transport).Clone()
	if p.cfg.Insecure {
		transport.TLSClientConfig = &tls.Config{InsecureSkipVerify: true} //nolint:gosec // opt-in via --insecure
	}
	client := &auth.Client{
		Client: &http.Client{Transport: retry.NewTransport(transport)},
		Cache:  auth.NewCache(),
	}
	if p.cfg.UserAgent != "" {
		client.SetUserAgent(p.cfg.UserAgent)
	}
	if !creds.Empty() {
		client.Credential = auth.StaticCredential(repo.Reference.Registry, auth.Credential{
			Username: creds.Username,
			Password: creds.Password,
		})
	}
	repo.Client = client
	return repo, nil
}
