package vfs

import "testing"

func TestMountInfosReflectsMountTable(t *testing.T) {
	v := setup()
	fs2 := newMemFS(2)

	must(t, v.Mkdir(v.Root, "/mnt", 0755))
	mnt, errno := v.Lookup(v.Root, "/mnt")
	must(t, errno)

	if errno := v.Mounts.DoMount(mnt, "memfs2", fs2, nil); !errno.Ok() {
		t.Fatalf("mount: %v", errno)
	}

	infos := v.Mounts.MountInfos()
	if len(infos) != 2 {
		t.Fatalf("len(infos) = %d, want 2", len(infos))
	}
	if infos[0].FSType != "memfs" || infos[1].FSType != "memfs" {
		t.Fatalf("unexpected FSType values: %+v %+v", infos[0], infos[1])
	}
	if infos[1].Source != "memfs2" {
		t.Fatalf("Source = %q, want memfs2", infos[1].Source)
	}
}
