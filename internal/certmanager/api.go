package certmanager

import (
	"context"
	"errors"
	"fmt"

	certificatemanager "cloud.google.com/go/certificatemanager/apiv1"
	"cloud.google.com/go/certificatemanager/apiv1/certificatemanagerpb"
	"google.golang.org/api/iterator"
	"google.golang.org/api/option"
)

// API is the subset of the Certificate Manager service the relay uses. Every
// mutating call blocks until the underlying long-running operation completes;
// the service never reports success before the resource is usable.
type API interface {
	CreateDNSAuthorization(ctx context.Context, parent, id string, auth *certificatemanagerpb.DnsAuthorization) (*certificatemanagerpb.DnsAuthorization, error)
	GetDNSAuthorization(ctx context.Context, name string) (*certificatemanagerpb.DnsAuthorization, error)
	DeleteDNSAuthorization(ctx context.Context, name string) error

	CreateCertificate(ctx context.Context, parent, id string, cert *certificatemanagerpb.Certificate) (*certificatemanagerpb.Certificate, error)
	GetCertificate(ctx context.Context, name string) (*certificatemanagerpb.Certificate, error)
	DeleteCertificate(ctx context.Context, name string) error
	ListCertificates(ctx context.Context, parent string) ([]*certificatemanagerpb.Certificate, error)

	CreateCertificateMapEntry(ctx context.Context, parent, id string, entry *certificatemanagerpb.CertificateMapEntry) (*certificatemanagerpb.CertificateMapEntry, error)
	GetCertificateMapEntry(ctx context.Context, name string) (*certificatemanagerpb.CertificateMapEntry, error)
	DeleteCertificateMapEntry(ctx context.Context, name string) error
}

// gcpAPI adapts the generated Certificate Manager client to API, waiting on
// every long-running operation.
type gcpAPI struct {
	client *certificatemanager.Client
}

// NewGCPAPI dials the Certificate Manager service. credFile may be empty, in
// which case ambient credentials are used.
func NewGCPAPI(ctx context.Context, credFile string) (API, error) {
	var opts []option.ClientOption
	if credFile != "" {
		opts = append(opts, option.WithCredentialsFile(credFile))
	}
	client, err := certificatemanager.NewClient(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("certmanager: dial: %w", err)
	}
	return &gcpAPI{client: client}, nil
}

func (g *gcpAPI) CreateDNSAuthorization(ctx context.Context, parent, id string, auth *certificatemanagerpb.DnsAuthorization) (*certificatemanagerpb.DnsAuthorization, error) {
	op, err := g.client.CreateDnsAuthorization(ctx, &certificatemanagerpb.CreateDnsAuthorizationRequest{
		Parent:             parent,
		DnsAuthorizationId: id,
		DnsAuthorization:   auth,
	})
	if err != nil {
		return nil, err
	}
	return op.Wait(ctx)
}

func (g *gcpAPI) GetDNSAuthorization(ctx context.Context, name string) (*certificatemanagerpb.DnsAuthorization, error) {
	return g.client.GetDnsAuthorization(ctx, &certificatemanagerpb.GetDnsAuthorizationRequest{Name: name})
}

func (g *gcpAPI) DeleteDNSAuthorization(ctx context.Context, name string) error {
	op, err := g.client.DeleteDnsAuthorization(ctx, &certificatemanagerpb.DeleteDnsAuthorizationRequest{Name: name})
	if err != nil {
		return err
	}
	return op.Wait(ctx)
}

func (g *gcpAPI) CreateCertificate(ctx context.Context, parent, id string, cert *certificatemanagerpb.Certificate) (*certificatemanagerpb.Certificate, error) {
	op, err := g.client.CreateCertificate(ctx, &certificatemanagerpb.CreateCertificateRequest{
		Parent:        parent,
		CertificateId: id,
		Certificate:   cert,
	})
	if err != nil {
		return nil, err
	}
	return op.Wait(ctx)
}

func (g *gcpAPI) GetCertificate(ctx context.Context, name string) (*certificatemanagerpb.Certificate, error) {
	return g.client.GetCertificate(ctx, &certificatemanagerpb.GetCertificateRequest{Name: name})
}

func (g *gcpAPI) DeleteCertificate(ctx context.Context, name string) error {
	op, err := g.client.DeleteCertificate(ctx, &certificatemanagerpb.DeleteCertificateRequest{Name: name})
	if err != nil {
		return err
	}
	return op.Wait(ctx)
}

func (g *gcpAPI) ListCertificates(ctx context.Context, parent string) ([]*certificatemanagerpb.Certificate, error) {
	it := g.client.ListCertificates(ctx, &certificatemanagerpb.ListCertificatesRequest{Parent: parent})
	var certs []*certificatemanagerpb.Certificate
	for {
		cert, err := it.Next()
		if errors.Is(err, iterator.Done) {
			return certs, nil
		}
		if err != nil {
			return nil, err
		}
		certs = append(certs, cert)
	}
}

func (g *gcpAPI) CreateCertificateMapEntry(ctx context.Context, parent, id string, entry *certificatemanagerpb.CertificateMapEntry) (*certificatemanagerpb.CertificateMapEntry, error) {
	op, err := g.client.CreateCertificateMapEntry(ctx, &certificatemanagerpb.CreateCertificateMapEntryRequest{
		Parent:                parent,
		CertificateMapEntryId: id,
		CertificateMapEntry:   entry,
	})
	if err != nil {
		return nil, err
	}
	return op.Wait(ctx)
}

func (g *gcpAPI) GetCertificateMapEntry(ctx context.Context, name string) (*certificatemanagerpb.CertificateMapEntry, error) {
	return g.client.GetCertificateMapEntry(ctx, &certificatemanagerpb.GetCertificateMapEntryRequest{Name: name})
}

func (g *gcpAPI) DeleteCertificateMapEntry(ctx context.Context, name string) error {
	op, err := g.client.DeleteCertificateMapEntry(ctx, &certificatemanagerpb.DeleteCertificateMapEntryRequest{Name: name})
	if err != nil {
		return err
	}
	return op.Wait(ctx)
}
