package adapter

import (
	"context"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/robot-viewer/backend/internal/logging"
	"github.com/robot-viewer/backend/internal/models"
	"github.com/robot-viewer/backend/internal/render"
)

// assetRef is a reference plus the directory and package it is relative to.
type assetRef struct {
	Ref     string
	Dir     string
	Package string
}

func (b *base) ref(r string) assetRef {
	return assetRef{Ref: r, Dir: b.contextDir}
}

// textureOrder is the slot assignment order. The alpha map reacts to the
// diffuse map, so the diffuse map goes first.
var textureOrder = []render.Slot{
	render.SlotMap,
	render.SlotAlphaMap,
	render.SlotNormalMap,
	render.SlotRoughness,
	render.SlotMetalness,
	render.SlotEmissive,
}

type materialDesc struct {
	ID        string
	Name      string
	Color     *[4]float64
	Opacity   *float64
	Roughness *float64
	Metalness *float64
	Shininess float64
	Textures  map[render.Slot]assetRef
}

// buildMaterial loads the textures of desc concurrently, assigns them in
// textureOrder, enhances the result and hands it to the renderer.
func (b *base) buildMaterial(ctx context.Context, desc materialDesc) *render.Material {
	m := render.NewMaterial(desc.ID)
	m.Name = desc.Name
	m.Color = desc.Color
	m.Roughness = desc.Roughness
	m.Metalness = desc.Metalness
	m.Shininess = desc.Shininess
	if desc.Opacity != nil {
		m.SetOpacity(*desc.Opacity)
	} else if desc.Color != nil && desc.Color[3] < 1 {
		m.SetOpacity(desc.Color[3])
	}

	var mu sync.Mutex
	loaded := make(map[render.Slot]render.Texture, len(desc.Textures))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(b.opts.TextureConcurrency)
	for slot, ref := range desc.Textures {
		g.Go(func() error {
			t := b.loadTexture(gctx, ref)
			mu.Lock()
			loaded[slot] = t
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	for _, slot := range textureOrder {
		if t, ok := loaded[slot]; ok {
			m.SetTexture(slot, t)
		}
	}
	render.Enhance(m)
	if err := b.opts.Renderer.AttachMaterial(m.ID, m); err != nil {
		b.log.Warn(ctx, "attach material failed", logging.String("material", m.ID), logging.Err(err))
	}
	return m
}

// loadTexture resolves and decodes a texture. It never fails: a missing or
// undecodable image becomes a placeholder.
func (b *base) loadTexture(ctx context.Context, ref assetRef) render.Texture {
	h, found := b.opts.Resolver.ResolveTexture(ref.Ref, ref.Dir, ref.Package)
	if !found {
		b.diag.WarnOnce(models.KindResourceMissing, "texture_placeholder", ref.Ref, "texture %q not found, using placeholder", ref.Ref)
	}
	v, err := b.opts.Resolver.Do("texture\x00"+h.Path(), func() (any, error) {
		return b.opts.Loaders.LoadTexture(ctx, h)
	})
	if err != nil {
		b.diag.WarnOnce(models.KindResourceMissing, "texture_failed", ref.Ref, "texture %q could not be decoded: %v", ref.Ref, err)
		return render.Texture{Source: ref.Ref, Width: 1, Height: 1, Format: "png", Placeholder: true}
	}
	t := v.(render.Texture)
	if !found {
		t.Placeholder = true
	}
	return t
}

// pendingMesh is a mesh geometry waiting for its decoder.
type pendingMesh struct {
	link string
	geom render.Geometry
	ref  assetRef
	mesh any
	ok   bool
}

// meshBatch collects mesh geometry during a conversion so the decoders run
// concurrently. Geometry is attached in the order it was queued.
type meshBatch struct {
	items []*pendingMesh
}

func (mb *meshBatch) add(link string, g render.Geometry, ref assetRef) {
	mb.items = append(mb.items, &pendingMesh{link: link, geom: g, ref: ref})
}

// flush resolves and decodes every queued mesh, then attaches the ones that
// loaded. Missing meshes are skipped with a resource warning.
func (b *base) flush(ctx context.Context, mb *meshBatch) {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(b.opts.TextureConcurrency)
	for _, item := range mb.items {
		g.Go(func() error {
			h, ok := b.opts.Resolver.Resolve(item.ref.Ref, item.ref.Dir, item.ref.Package)
			if !ok {
				b.diag.WarnOnce(models.KindResourceMissing, "mesh_missing", item.ref.Ref, "mesh %q not found, geometry of %q skipped", item.ref.Ref, item.link)
				return nil
			}
			v, err := b.opts.Resolver.Do("mesh\x00"+h.Path(), func() (any, error) {
				return b.opts.Loaders.LoadMesh(gctx, h)
			})
			if err != nil {
				b.diag.WarnOnce(models.KindResourceMissing, "mesh_failed", item.ref.Ref, "mesh %q could not be loaded: %v", item.ref.Ref, err)
				return nil
			}
			item.geom.Source = h.Path()
			item.mesh = v
			item.ok = true
			return nil
		})
	}
	_ = g.Wait()

	for _, item := range mb.items {
		if !item.ok {
			continue
		}
		item.geom.Mesh = item.mesh
		b.attach(ctx, item.link, item.geom)
	}
	mb.items = nil
}

func (b *base) attach(ctx context.Context, link string, g render.Geometry) {
	if err := b.opts.Renderer.AttachGeometry(link, g); err != nil {
		b.log.Warn(ctx, "attach geometry failed", logging.String("link", link), logging.Err(err))
	}
}
